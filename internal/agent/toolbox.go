package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"conductor/internal/approval"
	"conductor/internal/sandbox"
)

// Toolbox is the action surface handed to running agents. Every
// mutating or externally visible action passes through the approval
// gate before it executes; sandboxed actions carry the container's
// fixed capability set so the engine can apply its capability-scoped
// timeout skip.
type Toolbox struct {
	approvals *approval.Engine
	sandboxes *sandbox.Orchestrator
	logger    *zap.Logger

	// hostTimeout bounds host-side command execution.
	hostTimeout time.Duration
}

// NewToolbox wires the approval engine and (optionally) the sandbox
// orchestrator into an action surface for agents.
func NewToolbox(approvals *approval.Engine, sandboxes *sandbox.Orchestrator, logger *zap.Logger) *Toolbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolbox{
		approvals:   approvals,
		sandboxes:   sandboxes,
		logger:      logger,
		hostTimeout: 2 * time.Minute,
	}
}

// RunCommand executes a shell command after clearing the approval
// gate. When containerID is non-empty the command runs inside that
// specific sandbox; otherwise it runs on the host.
func (t *Toolbox) RunCommand(ctx context.Context, containerID, command string, domains []string) (string, error) {
	d := approval.ActionDescriptor{
		Kind:    approval.ActionCommand,
		Tool:    "run_command",
		Summary: command,
		Command: command,
		Domains: domains,
	}
	if containerID != "" && t.sandboxes != nil {
		caps, err := t.sandboxes.Capabilities(containerID)
		if err != nil {
			return "", err
		}
		d.SandboxCapabilities = caps
	}

	if err := t.approvals.Gate(ctx, d); err != nil {
		return "", err
	}

	if containerID != "" && t.sandboxes != nil {
		return t.sandboxes.Execute(ctx, containerID, command)
	}
	return t.runOnHost(ctx, command)
}

// WriteFile gates a file mutation. The actual write is left to the
// caller once the gate clears; the toolbox only arbitrates permission.
func (t *Toolbox) WriteFile(ctx context.Context, path string) error {
	return t.approvals.Gate(ctx, approval.ActionDescriptor{
		Kind:    approval.ActionFileWrite,
		Tool:    "write_file",
		Summary: "write " + path,
		Path:    path,
	})
}

// ReadFile gates a file read. Pure reads bypass the gate entirely when
// the engine's auto-approve-read-only toggle is on.
func (t *Toolbox) ReadFile(ctx context.Context, path string) error {
	return t.approvals.Gate(ctx, approval.ActionDescriptor{
		Kind:     approval.ActionFileRead,
		Tool:     "read_file",
		Summary:  "read " + path,
		Path:     path,
		ReadOnly: true,
	})
}

// Sandboxes exposes the sandbox orchestrator for agents that manage
// their own containers. Nil when no orchestrator is wired.
func (t *Toolbox) Sandboxes() *sandbox.Orchestrator {
	return t.sandboxes
}

func (t *Toolbox) runOnHost(ctx context.Context, command string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.hostTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("host command failed: %w", err)
	}
	return out.String(), nil
}
