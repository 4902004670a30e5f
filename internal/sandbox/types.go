// Package sandbox manages isolated execution environments for agent
// work. It drives the docker CLI directly (create/start/exec) so agent
// commands run inside long-lived containers that preserve state across
// executions, with capabilities fixed at creation time.
package sandbox

import (
	"errors"
	"time"

	"conductor/internal/approval"
)

// Status is the lifecycle state of a container.
// creating → running → {stopped, error}; stopped → removed (terminal,
// registry entry deleted). No path returns to running without a new
// CreateSecureContainer call.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

var (
	// ErrContainerNotFound is returned for operations on unknown or
	// already-removed container ids.
	ErrContainerNotFound = errors.New("container not found")

	// ErrDockerUnavailable is returned when the docker CLI cannot be
	// found or does not respond.
	ErrDockerUnavailable = errors.New("docker is not available")

	// ErrInvalidState is returned when an operation is not legal in
	// the container's current lifecycle state.
	ErrInvalidState = errors.New("invalid container state for operation")

	// ErrPortNotReady is returned by VSCodePort before the editor
	// server has been started.
	ErrPortNotReady = errors.New("editor port not ready")

	// ErrNoNetwork is returned when an operation needs host
	// reachability but the container was created without the network
	// capability.
	ErrNoNetwork = errors.New("container has no network capability")
)

// Container is one isolated execution environment.
type Container struct {
	ID           string                `json:"id"`
	AgentID      string                `json:"agent_id"`
	RepoURL      string                `json:"repo_url"`
	Status       Status                `json:"status"`
	Capabilities []approval.Capability `json:"capabilities"`
	VSCodePort   int                   `json:"vscode_port,omitempty"`
	ExecCount    int                   `json:"exec_count"`
	CreatedAt    time.Time             `json:"created_at"`
	LastError    string                `json:"last_error,omitempty"`

	// dockerName is the name handed to the docker CLI. reservedPort
	// is the host port published at create time for the editor
	// server; zero when the container has no network capability.
	dockerName   string
	reservedPort int
}

// ResourceStatus is a best-effort snapshot of container resource use.
// Fields the runtime does not report are left zero.
type ResourceStatus struct {
	CPUPercent    string `json:"cpu_percent,omitempty"`
	MemoryUsage   string `json:"memory_usage,omitempty"`
	MemoryPercent string `json:"memory_percent,omitempty"`
	NetworkIO     string `json:"network_io,omitempty"`
	BlockIO       string `json:"block_io,omitempty"`
	PIDs          string `json:"pids,omitempty"`
}

// Config holds the sandbox pool settings.
type Config struct {
	// Image is the base image for new containers.
	Image string `yaml:"image"`

	// MemoryLimit caps container memory (docker --memory syntax).
	MemoryLimit string `yaml:"memory_limit"`

	// CPULimit caps container CPUs (docker --cpus syntax).
	CPULimit string `yaml:"cpu_limit"`

	// ExecTimeout bounds a single Execute call.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// SetupTimeout bounds each setup step (clone, toolchain, editor).
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// MaxOutputBytes caps captured stdout+stderr per Execute.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// PortBase is the first host port used for editor servers;
	// containers get consecutive ports from here.
	PortBase int `yaml:"port_base"`

	// Workdir is the in-container path repositories are cloned to.
	Workdir string `yaml:"workdir"`
}

// DefaultConfig returns sensible defaults for the container pool.
func DefaultConfig() Config {
	return Config{
		Image:          "ubuntu:24.04",
		MemoryLimit:    "2g",
		CPULimit:       "2",
		ExecTimeout:    2 * time.Minute,
		SetupTimeout:   5 * time.Minute,
		MaxOutputBytes: 1 << 20, // 1 MiB
		PortBase:       8440,
		Workdir:        "/workspace",
	}
}
