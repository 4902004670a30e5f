package acp

import (
	"context"

	"conductor/internal/agent"
)

// SchedulerResponder routes prompt text to the agent task scheduler
// and blocks the prompt (only the prompt) until the task resolves.
type SchedulerResponder struct {
	Scheduler *agent.Scheduler

	// AgentType selects which registered agent handles prompts.
	AgentType string
}

// Respond dispatches one task per prompt and waits for its result.
func (r *SchedulerResponder) Respond(ctx context.Context, sessionID, text string) (string, error) {
	description := text
	if len(description) > 80 {
		description = description[:80]
	}

	taskID, err := r.Scheduler.Dispatch(r.AgentType, description, text)
	if err != nil {
		return "", err
	}
	return r.Scheduler.WaitForResult(ctx, taskID)
}
