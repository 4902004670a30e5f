package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHandler scripts handler behavior for server tests.
type fakeHandler struct {
	promptStarted chan struct{}
	cancelSeen    chan struct{}
	promptResult  PromptResult
	promptErr     error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		promptStarted: make(chan struct{}, 1),
		cancelSeen:    make(chan struct{}),
		promptResult:  PromptResult{StopReason: StopEndTurn},
	}
}

func (h *fakeHandler) Initialize(params InitializeParams) (InitializeResult, error) {
	if params.ProtocolVersion != ProtocolVersion {
		return InitializeResult{}, NewRequestError(CodeVersionMismatch, "protocol version mismatch")
	}
	return InitializeResult{
		ProtocolVersion:   ProtocolVersion,
		AgentCapabilities: AgentCapabilities{LoadSession: true},
	}, nil
}

func (h *fakeHandler) Authenticate(params AuthenticateParams) error {
	if params.MethodID != AuthMethodNone {
		return NewRequestError(CodeUnknownMethod, "unknown authentication method")
	}
	return nil
}

func (h *fakeHandler) NewSession(params NewSessionParams) (NewSessionResult, error) {
	return NewSessionResult{SessionID: "sess-1"}, nil
}

func (h *fakeHandler) LoadSession(params LoadSessionParams) error { return nil }

func (h *fakeHandler) Prompt(ctx context.Context, params PromptParams) (PromptResult, error) {
	select {
	case h.promptStarted <- struct{}{}:
	default:
	}
	select {
	case <-h.cancelSeen:
		return PromptResult{StopReason: StopCancelled}, nil
	case <-time.After(50 * time.Millisecond):
		return h.promptResult, h.promptErr
	}
}

func (h *fakeHandler) Cancel(params CancelParams) {
	close(h.cancelSeen)
}

// serve runs the server over scripted input and returns the parsed
// response lines.
func serve(t *testing.T, input string) []Response {
	t.Helper()
	var out bytes.Buffer
	s := NewServer(strings.NewReader(input), &out, newFakeHandler(), nil)
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	return parseResponses(t, out.String())
}

func parseResponses(t *testing.T, raw string) []Response {
	t.Helper()
	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("unparseable response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func TestServe_Initialize(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`+"\n")
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].Error != nil {
		t.Fatalf("unexpected error: %+v", responses[0].Error)
	}

	data, _ := json.Marshal(responses[0].Result)
	var result InitializeResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !result.AgentCapabilities.LoadSession {
		t.Error("capabilities should include loadSession = true")
	}
}

func TestServe_VersionMismatch(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":42}}`+"\n")
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected an error response, got %+v", responses)
	}
	if responses[0].Error.Code != CodeVersionMismatch {
		t.Errorf("error code = %d, want %d", responses[0].Error.Code, CodeVersionMismatch)
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	responses := serve(t, `{"jsonrpc":"2.0","id":7,"method":"bogus/method"}`+"\n")
	if len(responses) != 1 || responses[0].Error == nil {
		t.Fatalf("expected an error response, got %+v", responses)
	}
	if responses[0].Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", responses[0].Error.Code, CodeMethodNotFound)
	}
}

func TestServe_ParseErrorDoesNotKillConnection(t *testing.T) {
	input := "this is not json\n" +
		`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"/tmp"}}` + "\n"
	responses := serve(t, input)
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	if responses[0].Error == nil || responses[0].Error.Code != CodeParseError {
		t.Errorf("first response = %+v, want parse error", responses[0])
	}
	if responses[1].Error != nil {
		t.Errorf("second request should succeed, got %+v", responses[1].Error)
	}
}

func TestServe_BlankLinesSkipped(t *testing.T) {
	input := "\n\n" + `{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"sess-1"}}` + "\n\n"
	responses := serve(t, input)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
}

func TestServe_CancelDuringPrompt(t *testing.T) {
	pr, pw := io.Pipe()
	var out syncBuffer
	handler := newFakeHandler()
	s := NewServer(pr, &out, handler, nil)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	if _, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":10,"method":"session/prompt","params":{"sessionId":"sess-1","prompt":[{"type":"text","text":"work"}]}}` + "\n")); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	<-handler.promptStarted

	// Cancel is a notification: no response line for it.
	if _, err := pw.Write([]byte(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"sess-1"}}` + "\n")); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	responses := parseResponses(t, out.String())
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1 (cancel gets none)", len(responses))
	}
	data, _ := json.Marshal(responses[0].Result)
	var result PromptResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to decode prompt result: %v", err)
	}
	if result.StopReason != StopCancelled {
		t.Errorf("stop reason = %s, want cancelled", result.StopReason)
	}
}

// syncBuffer is a mutex-guarded buffer safe for the prompt goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
