package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Agent is the lifecycle contract every registered agent type
// implements: initialize → run → cleanup.
type Agent interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context, rc *RunContext) (string, error)
	Cleanup(ctx context.Context) error
}

// RunContext carries the task payload and the callbacks a running
// agent uses to report progress and perform gated actions.
type RunContext struct {
	TaskID      string
	Description string
	Payload     string
	Tools       *Toolbox

	// Progress reports completion percentage and a short description.
	// Safe to call from the agent goroutine only.
	Progress func(percent int, description string)
}

// Factory instantiates one agent for one task.
type Factory func(logger *zap.Logger) Agent

// Config holds scheduler settings.
type Config struct {
	// MaxConcurrentAgents caps tasks in running state; additional
	// dispatches queue until a slot frees.
	MaxConcurrentAgents int64 `yaml:"max_concurrent_agents"`

	// EventBuffer sizes the task event channel. Events are dropped
	// (and logged) rather than blocking a running task when the
	// consumer falls behind.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 3,
		EventBuffer:         64,
	}
}

// taskRecord pairs the externally visible Task with scheduler-private
// completion plumbing.
type taskRecord struct {
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the task registry and the agent type registry.
type Scheduler struct {
	mu        sync.Mutex
	factories map[string]Factory
	tasks     map[string]*taskRecord

	sem     *semaphore.Weighted
	events  chan Event
	toolbox *Toolbox
	logger  *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	running    atomic.Int64
}

// NewScheduler creates an agent task scheduler.
func NewScheduler(config Config, toolbox *Toolbox, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentAgents <= 0 {
		config.MaxConcurrentAgents = DefaultConfig().MaxConcurrentAgents
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		factories:  make(map[string]Factory),
		tasks:      make(map[string]*taskRecord),
		sem:        semaphore.NewWeighted(config.MaxConcurrentAgents),
		events:     make(chan Event, config.EventBuffer),
		toolbox:    toolbox,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Register adds an instantiable agent type. Re-registering a name
// replaces the factory.
func (s *Scheduler) Register(agentType string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[agentType] = factory
}

// Types returns the registered agent type names, sorted.
func (s *Scheduler) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.factories))
	for name := range s.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch creates a queued task and schedules it. The returned id can
// be used with Task, Cancel, and WaitForResult. Errors from the agent
// never propagate to the caller; they are recorded on the task.
func (s *Scheduler) Dispatch(agentType, description, payload string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSchedulerClosed
	}
	factory, ok := s.factories[agentType]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}

	taskCtx, cancel := context.WithCancel(s.baseCtx)
	rec := &taskRecord{
		task: Task{
			ID:          uuid.New().String(),
			Type:        agentType,
			Description: description,
			Status:      StatusQueued,
			CreatedAt:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[rec.task.ID] = rec
	s.wg.Add(1)
	s.mu.Unlock()

	s.dispatched.Add(1)
	go s.runTask(taskCtx, rec, factory, payload)

	s.logger.Info("task dispatched",
		zap.String("task_id", rec.task.ID),
		zap.String("agent_type", agentType),
		zap.String("description", description))
	return rec.task.ID, nil
}

// runTask drives one task through its lifecycle. All panics and errors
// stop here: the task is marked failed and the process carries on.
func (s *Scheduler) runTask(ctx context.Context, rec *taskRecord, factory Factory, payload string) {
	defer s.wg.Done()
	defer close(rec.done)
	defer func() {
		if r := recover(); r != nil {
			s.finishTask(rec, "", fmt.Errorf("agent panicked: %v", r))
		}
	}()

	// A concurrency slot gates the queued → running transition.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finishTask(rec, "", fmt.Errorf("cancelled while queued: %w", err))
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	rec.task.Status = StatusRunning
	rec.task.StartedAt = time.Now()
	s.mu.Unlock()
	s.running.Add(1)
	defer s.running.Add(-1)

	s.emit(Event{
		Kind:        EventTaskStart,
		TaskID:      rec.task.ID,
		AgentType:   rec.task.Type,
		Description: rec.task.Description,
	})

	instance := factory(s.logger.Named(rec.task.Type))
	if err := instance.Initialize(ctx); err != nil {
		s.finishTask(rec, "", fmt.Errorf("initialize failed: %w", err))
		return
	}

	rc := &RunContext{
		TaskID:      rec.task.ID,
		Description: rec.task.Description,
		Payload:     payload,
		Tools:       s.toolbox,
		Progress: func(percent int, description string) {
			s.mu.Lock()
			if percent > rec.task.Progress {
				rec.task.Progress = percent
			}
			s.mu.Unlock()
			s.emit(Event{
				Kind:        EventTaskProgress,
				TaskID:      rec.task.ID,
				AgentType:   rec.task.Type,
				Description: description,
				Percent:     percent,
			})
		},
	}

	result, runErr := instance.Run(ctx, rc)

	// Cleanup always runs; its error only surfaces when the run
	// itself succeeded.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cleanupErr := instance.Cleanup(cleanupCtx)
	cancel()
	if runErr == nil && cleanupErr != nil {
		runErr = fmt.Errorf("cleanup failed: %w", cleanupErr)
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("cancelled: %w", ctx.Err())
	}
	s.finishTask(rec, result, runErr)
}

// finishTask records the terminal state and emits the finished event.
func (s *Scheduler) finishTask(rec *taskRecord, result string, err error) {
	s.mu.Lock()
	rec.task.FinishedAt = time.Now()
	if err != nil {
		rec.task.Status = StatusFailed
		rec.task.Error = err.Error()
	} else {
		rec.task.Status = StatusCompleted
		rec.task.Progress = 100
		rec.task.Result = result
	}
	snapshot := rec.task
	s.mu.Unlock()

	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("task failed",
			zap.String("task_id", snapshot.ID),
			zap.String("agent_type", snapshot.Type),
			zap.Error(err))
	} else {
		s.succeeded.Add(1)
		s.logger.Info("task completed",
			zap.String("task_id", snapshot.ID),
			zap.String("agent_type", snapshot.Type))
	}

	s.emit(Event{
		Kind:        EventTaskFinished,
		TaskID:      snapshot.ID,
		AgentType:   snapshot.Type,
		Description: snapshot.Description,
		Percent:     snapshot.Progress,
		Status:      snapshot.Status,
	})
}

// Cancel signals a task to stop. Cancellation is cooperative: the task
// fails with a cancelled reason if it observes its context, otherwise
// it completes normally. Unknown ids are an error.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	rec.cancel()
	return nil
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return rec.task, true
}

// Tasks returns a snapshot of all tasks, oldest first.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WaitForResult blocks until the task reaches a terminal state or ctx
// is done, then returns the result (or the recorded failure).
func (s *Scheduler) WaitForResult(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	rec, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.task.Status == StatusFailed {
		return "", fmt.Errorf("task %s failed: %s", taskID, rec.task.Error)
	}
	return rec.task.Result, nil
}

// Events returns the task event stream consumed by the interactive
// message orchestrator.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Stats returns the aggregate counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	var queued int64
	for _, rec := range s.tasks {
		if rec.task.Status == StatusQueued {
			queued++
		}
	}
	s.mu.Unlock()
	return Stats{
		Dispatched: s.dispatched.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Running:    s.running.Load(),
		Queued:     queued,
	}
}

// Shutdown cancels every in-flight task and waits for workers to exit,
// bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// emit delivers an event without ever blocking a running task.
func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped, consumer behind",
			zap.String("kind", string(ev.Kind)),
			zap.String("task_id", ev.TaskID))
	}
}
