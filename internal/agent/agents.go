package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// RegisterBuiltins installs the default agent types. Each follows the
// same shape: stepwise progress reporting, gated actions through the
// toolbox, and a text summary as the result.
func RegisterBuiltins(s *Scheduler) {
	s.Register("coder", func(logger *zap.Logger) Agent { return &coderAgent{logger: logger} })
	s.Register("reviewer", func(logger *zap.Logger) Agent { return &reviewerAgent{logger: logger} })
	s.Register("researcher", func(logger *zap.Logger) Agent { return &researcherAgent{logger: logger} })
}

// commandPayload extracts an embedded shell command from a task
// payload of the form "run: <command>". Agents execute such commands
// through the toolbox so the approval gate applies.
func commandPayload(payload string) (string, bool) {
	if rest, ok := strings.CutPrefix(payload, "run:"); ok {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

type coderAgent struct {
	logger *zap.Logger
}

func (a *coderAgent) Initialize(ctx context.Context) error { return nil }

func (a *coderAgent) Run(ctx context.Context, rc *RunContext) (string, error) {
	rc.Progress(10, "reading task")
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rc.Progress(40, "preparing changes")
	var output string
	if command, ok := commandPayload(rc.Payload); ok {
		out, err := rc.Tools.RunCommand(ctx, "", command, nil)
		if err != nil {
			return "", err
		}
		output = out
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rc.Progress(90, "finalizing")
	result := "coder: " + rc.Description
	if output != "" {
		result = fmt.Sprintf("%s\n%s", result, strings.TrimSpace(output))
	}
	return result, nil
}

func (a *coderAgent) Cleanup(ctx context.Context) error { return nil }

type reviewerAgent struct {
	logger *zap.Logger
}

func (a *reviewerAgent) Initialize(ctx context.Context) error { return nil }

func (a *reviewerAgent) Run(ctx context.Context, rc *RunContext) (string, error) {
	rc.Progress(25, "collecting changes")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rc.Payload != "" {
		// Reviews are read-only; the gate bypass for pure reads
		// applies when configured.
		if err := rc.Tools.ReadFile(ctx, rc.Payload); err != nil {
			return "", err
		}
	}
	rc.Progress(75, "reviewing")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "reviewer: no blocking findings for " + rc.Description, nil
}

func (a *reviewerAgent) Cleanup(ctx context.Context) error { return nil }

type researcherAgent struct {
	logger *zap.Logger
}

func (a *researcherAgent) Initialize(ctx context.Context) error { return nil }

func (a *researcherAgent) Run(ctx context.Context, rc *RunContext) (string, error) {
	rc.Progress(20, "scanning sources")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rc.Progress(60, "summarizing findings")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "researcher: findings for " + rc.Description, nil
}

func (a *researcherAgent) Cleanup(ctx context.Context) error { return nil }
