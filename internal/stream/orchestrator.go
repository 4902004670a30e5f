// Package stream implements the interactive message orchestrator: a
// single-consumer queue that serializes user, system, agent, and tool
// messages into one ordered display stream. At most one message is in
// processing at any instant, no matter how many background tasks are
// running.
package stream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conductor/internal/agent"
)

// MessageType classifies a stream entry.
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageSystem MessageType = "system"
	MessageAgent  MessageType = "agent"
	MessageTool   MessageType = "tool"
	MessageDiff   MessageType = "diff"
	MessageError  MessageType = "error"
)

// MessageStatus is the lifecycle of a stream entry.
// queued → processing → completed, or absorbed when merged into a
// newer entry for the same task.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusProcessing MessageStatus = "processing"
	StatusCompleted  MessageStatus = "completed"
	StatusAbsorbed   MessageStatus = "absorbed"
)

// ErrQueueFull is returned by Enqueue when the bounded queue is at
// capacity.
var ErrQueueFull = errors.New("stream queue is full")

// Message is one entry in the interactive display pipeline.
type Message struct {
	ID       string        `json:"id"`
	Type     MessageType   `json:"type"`
	Content  string        `json:"content"`
	Status   MessageStatus `json:"status"`
	TaskID   string        `json:"task_id,omitempty"`
	Enqueued time.Time     `json:"enqueued"`
}

// Handler performs the display side effect for one message. Errors are
// logged and the message still completes; the loop never dies.
type Handler func(Message) error

// Config holds orchestrator settings.
type Config struct {
	// QueueCapacity bounds the number of undisplayed messages.
	QueueCapacity int `yaml:"queue_capacity"`
}

// DefaultConfig returns the default bounded queue size.
func DefaultConfig() Config {
	return Config{QueueCapacity: 256}
}

// Orchestrator owns the ordered message queue and its single consumer.
type Orchestrator struct {
	mu       sync.Mutex
	queue    []*Message
	capacity int

	handler Handler
	logger  *zap.Logger

	// wake nudges the consumer; buffered so producers never block.
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// commands and agent type names feed the completion function.
	commands   []string
	agentNames []string
}

// NewOrchestrator creates a stream orchestrator. The handler may be
// nil, in which case messages complete without a side effect.
func NewOrchestrator(config Config, handler Handler, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	return &Orchestrator{
		capacity: config.QueueCapacity,
		handler:  handler,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		commands: []string{
			"/help", "/status", "/tasks", "/agents", "/sandboxes",
			"/approve", "/reject", "/cancel", "/quit",
		},
	}
}

// Start launches the consumer loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.consume()
}

// Stop shuts the consumer down and waits for it to exit.
func (o *Orchestrator) Stop() {
	close(o.done)
	o.wg.Wait()
}

// Enqueue appends a message to the display queue. A full queue is an
// error rather than unbounded growth.
func (o *Orchestrator) Enqueue(msgType MessageType, content, taskID string) (string, error) {
	msg := &Message{
		ID:       uuid.New().String(),
		Type:     msgType,
		Content:  content,
		Status:   StatusQueued,
		TaskID:   taskID,
		Enqueued: time.Now(),
	}

	o.mu.Lock()
	if o.pendingLocked() >= o.capacity {
		o.mu.Unlock()
		return "", ErrQueueFull
	}

	// Progress updates for a task supersede undisplayed ones: the
	// older entry is absorbed instead of shown twice.
	if msgType == MessageAgent && taskID != "" {
		for _, existing := range o.queue {
			if existing.Status == StatusQueued && existing.Type == MessageAgent && existing.TaskID == taskID {
				existing.Status = StatusAbsorbed
			}
		}
	}
	o.queue = append(o.queue, msg)
	o.pruneLocked()
	o.mu.Unlock()

	o.signal()
	return msg.ID, nil
}

// Messages returns a snapshot of the queue in arrival order.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.queue))
	for i, m := range o.queue {
		out[i] = *m
	}
	return out
}

// SetAgentNames supplies the agent type vocabulary for completion.
func (o *Orchestrator) SetAgentNames(names []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agentNames = append([]string(nil), names...)
}

// Complete returns ranked suggestions for a partial input line: known
// slash commands and agent references. Pure and non-blocking; exact
// prefix matches come first, ordered lexicographically.
func (o *Orchestrator) Complete(prefix string) []string {
	o.mu.Lock()
	vocab := make([]string, 0, len(o.commands)+len(o.agentNames))
	vocab = append(vocab, o.commands...)
	for _, name := range o.agentNames {
		vocab = append(vocab, "@"+name)
	}
	o.mu.Unlock()

	if prefix == "" {
		sorted := append([]string(nil), vocab...)
		sort.Strings(sorted)
		return sorted
	}

	var exact, loose []string
	lower := strings.ToLower(prefix)
	for _, candidate := range vocab {
		lc := strings.ToLower(candidate)
		switch {
		case strings.HasPrefix(lc, lower):
			exact = append(exact, candidate)
		case strings.Contains(lc, lower):
			loose = append(loose, candidate)
		}
	}
	sort.Strings(exact)
	sort.Strings(loose)
	return append(exact, loose...)
}

// ConsumeTaskEvents surfaces agent scheduler events as agent-typed
// stream messages until the channel closes or Stop is called. Progress
// flows through the queue rather than blocking the consumer on the
// tasks themselves.
func (o *Orchestrator) ConsumeTaskEvents(events <-chan agent.Event) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if _, err := o.Enqueue(MessageAgent, formatTaskEvent(ev), ev.TaskID); err != nil {
					o.logger.Warn("dropping task event",
						zap.String("task_id", ev.TaskID),
						zap.Error(err))
				}
			}
		}
	}()
}

func formatTaskEvent(ev agent.Event) string {
	switch ev.Kind {
	case agent.EventTaskStart:
		return "[" + ev.AgentType + "] started: " + ev.Description
	case agent.EventTaskProgress:
		return fmt.Sprintf("[%s] %d%% %s", ev.AgentType, ev.Percent, ev.Description)
	case agent.EventTaskFinished:
		return "[" + ev.AgentType + "] " + string(ev.Status) + ": " + ev.Description
	default:
		return "[" + ev.AgentType + "] " + ev.Description
	}
}

// consume is the single consumer loop: it repeatedly takes the oldest
// queued entry, marks it processing, performs the side effect, and
// marks it completed. The processing invariant (at most one at a time)
// follows from there being exactly one such loop.
func (o *Orchestrator) consume() {
	defer o.wg.Done()
	for {
		msg := o.nextQueued()
		if msg == nil {
			select {
			case <-o.done:
				return
			case <-o.wake:
				continue
			}
		}

		if o.handler != nil {
			if err := o.handler(*msg); err != nil {
				o.logger.Warn("message handler failed",
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}

		o.mu.Lock()
		msg.Status = StatusCompleted
		o.pruneLocked()
		o.mu.Unlock()
	}
}

// nextQueued claims the oldest queued message, transitioning it to
// processing, or returns nil when nothing is pending.
func (o *Orchestrator) nextQueued() *Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, msg := range o.queue {
		if msg.Status == StatusQueued {
			msg.Status = StatusProcessing
			return msg
		}
	}
	return nil
}

// pruneLocked drops the oldest terminal entries once they outnumber
// the capacity. Recent completed and absorbed messages stay visible as
// display history, and the backing queue never grows past twice the
// configured bound. Caller holds mu.
func (o *Orchestrator) pruneLocked() {
	terminal := 0
	for _, msg := range o.queue {
		if msg.Status == StatusCompleted || msg.Status == StatusAbsorbed {
			terminal++
		}
	}
	drop := terminal - o.capacity
	if drop <= 0 {
		return
	}
	kept := o.queue[:0]
	for _, msg := range o.queue {
		if drop > 0 && (msg.Status == StatusCompleted || msg.Status == StatusAbsorbed) {
			drop--
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = nil
	}
	o.queue = kept
}

// pendingLocked counts entries not yet displayed. Caller holds mu.
func (o *Orchestrator) pendingLocked() int {
	n := 0
	for _, msg := range o.queue {
		if msg.Status == StatusQueued || msg.Status == StatusProcessing {
			n++
		}
	}
	return n
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
