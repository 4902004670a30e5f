package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"conductor/internal/agent"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSingleMessageProcessingAtATime(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var handled atomic.Int32

	handler := func(msg Message) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		handled.Add(1)
		return nil
	}

	o := NewOrchestrator(DefaultConfig(), handler, nil)
	o.Start()
	defer o.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := o.Enqueue(MessageSystem, "msg", ""); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return handled.Load() == 40 }, "all messages handled")
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max in-flight handlers = %d, want 1", got)
	}
}

func TestBoundedQueue(t *testing.T) {
	cfg := Config{QueueCapacity: 3}
	// No Start: nothing drains the queue.
	o := NewOrchestrator(cfg, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := o.Enqueue(MessageUser, "x", ""); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if _, err := o.Enqueue(MessageUser, "overflow", ""); err != ErrQueueFull {
		t.Fatalf("Enqueue past capacity = %v, want ErrQueueFull", err)
	}
}

func TestQueueStaysBoundedOverLifetime(t *testing.T) {
	var handled atomic.Int32
	handler := func(msg Message) error {
		handled.Add(1)
		return nil
	}

	cfg := Config{QueueCapacity: 8}
	o := NewOrchestrator(cfg, handler, nil)
	o.Start()
	defer o.Stop()

	const total = 200
	sent := 0
	for sent < total {
		if _, err := o.Enqueue(MessageUser, "x", ""); err == ErrQueueFull {
			time.Sleep(time.Millisecond)
			continue
		} else if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		sent++
	}
	waitFor(t, func() bool { return handled.Load() == total }, "all messages handled")

	// Completed entries are pruned down to a capacity-sized history.
	if got := len(o.Messages()); got > 2*cfg.QueueCapacity {
		t.Fatalf("backing queue holds %d entries after %d messages, want <= %d",
			got, total, 2*cfg.QueueCapacity)
	}
}

func TestAbsorption_SupersededProgress(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)

	first, err := o.Enqueue(MessageAgent, "10% working", "task-1")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := o.Enqueue(MessageAgent, "untouched", "task-2"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := o.Enqueue(MessageAgent, "50% working", "task-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var absorbed int
	for _, msg := range o.Messages() {
		if msg.Status == StatusAbsorbed {
			absorbed++
			if msg.ID != first {
				t.Errorf("absorbed wrong message: %s (content %q)", msg.ID, msg.Content)
			}
		}
	}
	if absorbed != 1 {
		t.Fatalf("absorbed messages = %d, want 1", absorbed)
	}
}

func TestHandlerErrorDoesNotKillConsumer(t *testing.T) {
	var handled atomic.Int32
	handler := func(msg Message) error {
		handled.Add(1)
		if msg.Content == "bad" {
			return errFake
		}
		return nil
	}

	o := NewOrchestrator(DefaultConfig(), handler, nil)
	o.Start()
	defer o.Stop()

	if _, err := o.Enqueue(MessageTool, "bad", ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := o.Enqueue(MessageTool, "good", ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return handled.Load() == 2 }, "both messages handled")
	for _, msg := range o.Messages() {
		if msg.Status != StatusCompleted {
			t.Errorf("message %q status = %s, want completed", msg.Content, msg.Status)
		}
	}
}

func TestComplete_RankedAndPure(t *testing.T) {
	o := NewOrchestrator(DefaultConfig(), nil, nil)
	o.SetAgentNames([]string{"coder", "reviewer", "researcher"})

	got := o.Complete("/c")
	if len(got) == 0 || got[0] != "/cancel" {
		t.Fatalf("Complete(/c) = %v, want /cancel first", got)
	}

	got = o.Complete("@re")
	if len(got) != 2 {
		t.Fatalf("Complete(@re) = %v, want the two @re agents", got)
	}
	if got[0] != "@researcher" || got[1] != "@reviewer" {
		t.Errorf("Complete(@re) order = %v", got)
	}

	if got := o.Complete("zzz-no-match"); len(got) != 0 {
		t.Errorf("Complete(no match) = %v, want empty", got)
	}

	// Repeated calls with the same input are deterministic.
	a, b := o.Complete("re"), o.Complete("re")
	if len(a) != len(b) {
		t.Fatal("Complete is not deterministic")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("Complete is not deterministic")
		}
	}
}

func TestConsumeTaskEvents(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	handler := func(msg Message) error {
		mu.Lock()
		contents = append(contents, msg.Content)
		mu.Unlock()
		return nil
	}

	o := NewOrchestrator(DefaultConfig(), handler, nil)
	o.Start()

	events := make(chan agent.Event)
	o.ConsumeTaskEvents(events)

	events <- agent.Event{Kind: agent.EventTaskStart, TaskID: "t1", AgentType: "coder", Description: "fix bug"}
	events <- agent.Event{Kind: agent.EventTaskProgress, TaskID: "t1", AgentType: "coder", Description: "editing", Percent: 40}
	close(events)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(contents) == 2
	}, "task events surfaced")
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	if contents[0] != "[coder] started: fix bug" {
		t.Errorf("first message = %q", contents[0])
	}
	if contents[1] != "[coder] 40% editing" {
		t.Errorf("second message = %q", contents[1])
	}
}

var errFake = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "handler failure" }
