package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conductor/internal/approval"
)

// commandRunner executes one docker CLI invocation and returns combined
// stdout, stderr, and any error. Indirection exists so tests can run
// without a docker daemon.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func execRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Orchestrator creates, configures, and tears down sandbox containers.
// Setup and teardown calls are serialized per container id but
// independent across ids, so multiple sandboxes provision in parallel.
type Orchestrator struct {
	mu         sync.RWMutex
	config     Config
	containers map[string]*Container
	locks      map[string]*sync.Mutex
	nextPort   int

	dockerPath string
	available  bool
	run        commandRunner
	logger     *zap.Logger
}

// NewOrchestrator creates a sandbox orchestrator and probes for docker.
func NewOrchestrator(config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		config:     config,
		containers: make(map[string]*Container),
		locks:      make(map[string]*sync.Mutex),
		nextPort:   config.PortBase,
		run:        execRunner,
		logger:     logger,
	}
	o.detectDocker()
	return o
}

// detectDocker locates the docker binary and verifies the daemon
// responds, mirroring the availability probe used before any container
// work is attempted.
func (o *Orchestrator) detectDocker() {
	path, err := exec.LookPath("docker")
	if err != nil {
		o.available = false
		return
	}
	o.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := o.run(ctx, path, "version", "--format", "{{.Server.Version}}"); err != nil {
		o.available = false
		return
	}
	o.available = true
}

// IsAvailable reports whether docker is usable on this host.
func (o *Orchestrator) IsAvailable() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.available
}

// containerLock returns the per-id mutex, creating it on first use.
func (o *Orchestrator) containerLock(id string) (*sync.Mutex, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.containers[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	return lock, nil
}

func (o *Orchestrator) get(id string) (*Container, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	return c, nil
}

// CreateSecureContainer provisions an isolated environment for an
// agent. The capability set is fixed here and defines the security
// boundary for the sandbox's lifetime; it is not re-validated on later
// calls. The session token and proxy endpoint are injected as
// environment so in-container tooling can reach the host through the
// authenticated proxy only.
func (o *Orchestrator) CreateSecureContainer(ctx context.Context, agentID, repoURL, sessionToken, proxyEndpoint string, capabilities []approval.Capability) (string, error) {
	if !o.IsAvailable() {
		return "", ErrDockerUnavailable
	}

	id := uuid.New().String()
	c := &Container{
		ID:           id,
		AgentID:      agentID,
		RepoURL:      repoURL,
		Status:       StatusCreating,
		Capabilities: append([]approval.Capability(nil), capabilities...),
		CreatedAt:    time.Now(),
		dockerName:   "conductor-" + id[:8],
	}

	args := []string{
		"create",
		"--name", c.dockerName,
		"--memory", o.config.MemoryLimit,
		"--cpus", o.config.CPULimit,
		"--workdir", o.config.Workdir,
		"--label", "conductor.agent_id=" + agentID,
	}
	if sessionToken != "" {
		args = append(args, "--env", "CONDUCTOR_SESSION_TOKEN="+sessionToken)
	}
	if proxyEndpoint != "" {
		args = append(args,
			"--env", "HTTP_PROXY="+proxyEndpoint,
			"--env", "HTTPS_PROXY="+proxyEndpoint)
	}
	// Port mappings cannot be added after create, so the editor port
	// is reserved and published here. Network-less sandboxes get no
	// mapping; they cannot host an editor.
	if hasCapability(capabilities, approval.CapabilityNetwork) {
		o.mu.Lock()
		c.reservedPort = o.nextPort
		o.nextPort++
		o.mu.Unlock()
		args = append(args, "-p", fmt.Sprintf("%d:%d", c.reservedPort, c.reservedPort))
	} else {
		args = append(args, "--network", "none")
	}
	if !hasCapability(capabilities, approval.CapabilityWrite) {
		args = append(args, "--read-only")
	}
	args = append(args, o.config.Image, "sleep", "infinity")

	if _, stderr, err := o.run(ctx, o.dockerPath, args...); err != nil {
		return "", fmt.Errorf("failed to create container: %w (%s)", err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := o.run(ctx, o.dockerPath, "start", c.dockerName); err != nil {
		// Clean up the half-created container; the registry entry was
		// never published so there is nothing to mark error.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _, _ = o.run(rmCtx, o.dockerPath, "rm", "-f", c.dockerName)
		return "", fmt.Errorf("failed to start container: %w (%s)", err, strings.TrimSpace(stderr))
	}

	o.mu.Lock()
	o.containers[id] = c
	o.locks[id] = &sync.Mutex{}
	o.mu.Unlock()

	o.logger.Info("container created",
		zap.String("container_id", id),
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilityStrings(capabilities)))
	return id, nil
}

// SetupRepository clones the named source into the sandbox workdir.
// Legal only while the container is creating or running.
func (o *Orchestrator) SetupRepository(ctx context.Context, containerID, url string) error {
	return o.setupStep(ctx, containerID, "setup_repository", func(ctx context.Context, c *Container) error {
		script := fmt.Sprintf("git clone --depth 1 %s %s", shellQuote(url), o.config.Workdir)
		if _, stderr, err := o.dockerExec(ctx, c, "", "sh", "-c", script); err != nil {
			return fmt.Errorf("failed to clone repository: %w (%s)", err, strings.TrimSpace(stderr))
		}
		o.mu.Lock()
		c.RepoURL = url
		o.mu.Unlock()
		return nil
	})
}

// SetupDevelopmentEnvironment installs the toolchain needed to build
// and run whatever was mounted, keyed off the project's manifest files.
func (o *Orchestrator) SetupDevelopmentEnvironment(ctx context.Context, containerID string) error {
	return o.setupStep(ctx, containerID, "setup_dev_environment", func(ctx context.Context, c *Container) error {
		script := strings.Join([]string{
			"cd " + o.config.Workdir,
			"if [ -f go.mod ]; then go mod download; fi",
			"if [ -f package.json ]; then npm install --no-audit --no-fund; fi",
			"if [ -f requirements.txt ]; then pip install -r requirements.txt; fi",
		}, " && ")
		if _, stderr, err := o.dockerExec(ctx, c, "", "sh", "-c", script); err != nil {
			return fmt.Errorf("failed to set up development environment: %w (%s)", err, strings.TrimSpace(stderr))
		}
		return nil
	})
}

// SetupVSCodeServer starts the in-sandbox editor server and advances
// the container to running. The allocated host port is retrievable via
// VSCodePort once this returns.
func (o *Orchestrator) SetupVSCodeServer(ctx context.Context, containerID string) error {
	c, err := o.get(containerID)
	if err != nil {
		return err
	}
	o.mu.RLock()
	port := c.reservedPort
	o.mu.RUnlock()
	// Rejected before the setup step runs: asking a network-less
	// sandbox for an editor is a caller mistake, not a container
	// fault, and must not push it into the error state.
	if port == 0 {
		return fmt.Errorf("%w: cannot host an editor server", ErrNoNetwork)
	}

	err = o.setupStep(ctx, containerID, "setup_vscode_server", func(ctx context.Context, c *Container) error {
		script := fmt.Sprintf("code-server --bind-addr 0.0.0.0:%d --auth none %s >/tmp/code-server.log 2>&1 &", port, o.config.Workdir)
		if _, stderr, err := o.dockerExec(ctx, c, "-d", "sh", "-c", script); err != nil {
			return fmt.Errorf("failed to start editor server: %w (%s)", err, strings.TrimSpace(stderr))
		}

		o.mu.Lock()
		c.VSCodePort = port
		c.Status = StatusRunning
		o.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("editor server started", zap.String("container_id", containerID))
	return nil
}

// VSCodePort returns the externally reachable editor port, or
// ErrPortNotReady if the editor server has not been started.
func (o *Orchestrator) VSCodePort(containerID string) (int, error) {
	c, err := o.get(containerID)
	if err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if c.VSCodePort == 0 {
		return 0, ErrPortNotReady
	}
	return c.VSCodePort, nil
}

// Execute runs a command inside one explicitly identified sandbox.
// There is no implicit "current" container; callers always name one.
func (o *Orchestrator) Execute(ctx context.Context, containerID, command string) (string, error) {
	lock, err := o.containerLock(containerID)
	if err != nil {
		return "", err
	}
	lock.Lock()
	defer lock.Unlock()

	c, err := o.get(containerID)
	if err != nil {
		return "", err
	}
	o.mu.RLock()
	status := c.Status
	o.mu.RUnlock()
	if status != StatusRunning {
		return "", fmt.Errorf("%w: execute requires running, container is %s", ErrInvalidState, status)
	}

	execCtx, cancel := context.WithTimeout(ctx, o.config.ExecTimeout)
	defer cancel()

	stdout, stderr, err := o.dockerExec(execCtx, c, "", "sh", "-c", command)
	output := stdout
	if stderr != "" {
		output += stderr
	}
	if len(output) > o.config.MaxOutputBytes {
		output = output[:o.config.MaxOutputBytes] + "\n[output truncated]"
	}

	o.mu.Lock()
	c.ExecCount++
	o.mu.Unlock()

	if err != nil {
		return output, fmt.Errorf("command failed in container %s: %w", containerID, err)
	}
	return output, nil
}

// ContainerStatus returns a best-effort resource snapshot from
// `docker stats`. Fields the runtime does not report stay empty.
func (o *Orchestrator) ContainerStatus(ctx context.Context, containerID string) (*ResourceStatus, error) {
	c, err := o.get(containerID)
	if err != nil {
		return nil, err
	}

	stdout, _, err := o.run(ctx, o.dockerPath, "stats", "--no-stream", "--format",
		"{{.CPUPerc}}|{{.MemUsage}}|{{.MemPerc}}|{{.NetIO}}|{{.BlockIO}}|{{.PIDs}}", c.dockerName)
	if err != nil {
		// Best effort: an unresponsive runtime yields an empty snapshot.
		return &ResourceStatus{}, nil
	}

	status := &ResourceStatus{}
	fields := strings.Split(strings.TrimSpace(stdout), "|")
	for i, v := range fields {
		switch i {
		case 0:
			status.CPUPercent = v
		case 1:
			status.MemoryUsage = v
		case 2:
			status.MemoryPercent = v
		case 3:
			status.NetworkIO = v
		case 4:
			status.BlockIO = v
		case 5:
			status.PIDs = v
		}
	}
	return status, nil
}

// StopContainer transitions running → stopped.
func (o *Orchestrator) StopContainer(ctx context.Context, containerID string) error {
	lock, err := o.containerLock(containerID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	c, err := o.get(containerID)
	if err != nil {
		return err
	}
	o.mu.RLock()
	status := c.Status
	o.mu.RUnlock()
	if status != StatusRunning && status != StatusCreating {
		return fmt.Errorf("%w: cannot stop container in state %s", ErrInvalidState, status)
	}

	if _, stderr, err := o.run(ctx, o.dockerPath, "stop", c.dockerName); err != nil {
		o.setError(c, fmt.Sprintf("stop failed: %v", err))
		return fmt.Errorf("failed to stop container: %w (%s)", err, strings.TrimSpace(stderr))
	}

	o.mu.Lock()
	c.Status = StatusStopped
	o.mu.Unlock()
	o.logger.Info("container stopped", zap.String("container_id", containerID))
	return nil
}

// RemoveContainer transitions stopped → removed and deletes the
// registry entry. Removal is terminal; a new CreateSecureContainer is
// the only way back to a running sandbox.
func (o *Orchestrator) RemoveContainer(ctx context.Context, containerID string) error {
	lock, err := o.containerLock(containerID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	c, err := o.get(containerID)
	if err != nil {
		return err
	}
	o.mu.RLock()
	status := c.Status
	o.mu.RUnlock()
	if status != StatusStopped && status != StatusError {
		return fmt.Errorf("%w: cannot remove container in state %s", ErrInvalidState, status)
	}

	if _, stderr, err := o.run(ctx, o.dockerPath, "rm", c.dockerName); err != nil {
		return fmt.Errorf("failed to remove container: %w (%s)", err, strings.TrimSpace(stderr))
	}

	o.mu.Lock()
	delete(o.containers, containerID)
	delete(o.locks, containerID)
	o.mu.Unlock()
	o.logger.Info("container removed", zap.String("container_id", containerID))
	return nil
}

// Capabilities returns the capability set fixed when the container was
// created.
func (o *Orchestrator) Capabilities(containerID string) ([]approval.Capability, error) {
	c, err := o.get(containerID)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]approval.Capability(nil), c.Capabilities...), nil
}

// Containers returns a snapshot of the registry for operator tooling,
// ordered by creation time.
func (o *Orchestrator) Containers() []Container {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Container, 0, len(o.containers))
	for _, c := range o.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown best-effort stops every container that is still running.
// Entries are kept so operators can inspect final states.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var ids []string
	o.mu.RLock()
	for id, c := range o.containers {
		if c.Status == StatusRunning || c.Status == StatusCreating {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := o.StopContainer(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// setupStep runs one provisioning step under the per-container lock,
// validating lifecycle state and recording failures on the container
// (status error) instead of silently removing it.
func (o *Orchestrator) setupStep(ctx context.Context, containerID, step string, fn func(context.Context, *Container) error) error {
	lock, err := o.containerLock(containerID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	c, err := o.get(containerID)
	if err != nil {
		return err
	}
	o.mu.RLock()
	status := c.Status
	o.mu.RUnlock()
	if status != StatusCreating && status != StatusRunning {
		return fmt.Errorf("%w: %s requires creating or running, container is %s", ErrInvalidState, step, status)
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.config.SetupTimeout)
	defer cancel()

	if err := fn(stepCtx, c); err != nil {
		o.setError(c, err.Error())
		o.logger.Error("container setup step failed",
			zap.String("container_id", containerID),
			zap.String("step", step),
			zap.Error(err))
		return err
	}
	return nil
}

func (o *Orchestrator) setError(c *Container, msg string) {
	o.mu.Lock()
	c.Status = StatusError
	c.LastError = msg
	o.mu.Unlock()
}

// dockerExec runs a command inside the container via `docker exec`.
func (o *Orchestrator) dockerExec(ctx context.Context, c *Container, flag string, argv ...string) (string, string, error) {
	args := []string{"exec"}
	if flag != "" {
		args = append(args, flag)
	}
	args = append(args, c.dockerName)
	args = append(args, argv...)
	return o.run(ctx, o.dockerPath, args...)
}

func hasCapability(caps []approval.Capability, want approval.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func capabilityStrings(caps []approval.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// shellQuote wraps s in single quotes for safe interpolation into an
// sh -c script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
