package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conductor/internal/protocol"
)

// Responder produces the reply text for a converted prompt. The agent
// scheduler implements it in production; a trivial echo stands in when
// no scheduler is wired.
type Responder interface {
	Respond(ctx context.Context, sessionID, text string) (string, error)
}

// Config holds session manager settings.
type Config struct {
	// CredentialEnvVars lists the environment variables checked by
	// api_key authentication, in order.
	CredentialEnvVars []string `yaml:"credential_env_vars"`

	// MinCredentialLength rejects trivially short credentials.
	MinCredentialLength int `yaml:"min_credential_length"`
}

// DefaultConfig returns the recognized credential set.
func DefaultConfig() Config {
	return Config{
		CredentialEnvVars: []string{
			"CONDUCTOR_API_KEY",
			"ANTHROPIC_API_KEY",
			"OPENAI_API_KEY",
		},
		MinCredentialLength: 16,
	}
}

// Manager owns the session registry and implements the protocol
// handler surface.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	config    Config
	responder Responder
	logger    *zap.Logger
}

// NewManager creates a session manager. responder may be nil, in which
// case prompts fall back to an echo responder.
func NewManager(config Config, responder Responder, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if responder == nil {
		responder = echoResponder{}
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		config:    config,
		responder: responder,
		logger:    logger,
	}
}

// Initialize negotiates the protocol version and returns the fixed
// capability set and supported auth methods.
func (m *Manager) Initialize(params protocol.InitializeParams) (protocol.InitializeResult, error) {
	if params.ProtocolVersion != protocol.ProtocolVersion {
		return protocol.InitializeResult{}, protocol.NewRequestError(
			protocol.CodeVersionMismatch,
			fmt.Sprintf("%v: client requested %d, supported %d",
				ErrProtocolVersionMismatch, params.ProtocolVersion, protocol.ProtocolVersion))
	}

	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		AgentCapabilities: protocol.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: protocol.PromptCapabilities{
				Image:           true,
				Audio:           false,
				EmbeddedContext: true,
			},
		},
		AuthMethods: []protocol.AuthMethod{
			{ID: protocol.AuthMethodAPIKey, Name: "API key", Description: "Use a configured API key"},
			{ID: protocol.AuthMethodNone, Name: "No authentication"},
		},
	}, nil
}

// Authenticate validates the selected method. api_key succeeds only if
// at least one recognized credential is present and minimally
// well-formed; none always succeeds.
func (m *Manager) Authenticate(params protocol.AuthenticateParams) error {
	switch params.MethodID {
	case protocol.AuthMethodNone:
		return nil
	case protocol.AuthMethodAPIKey:
		for _, name := range m.config.CredentialEnvVars {
			if v := os.Getenv(name); len(v) >= m.config.MinCredentialLength {
				m.logger.Debug("authenticated via api_key", zap.String("credential", name))
				return nil
			}
		}
		return protocol.NewRequestError(protocol.CodeInvalidParams, ErrAuthFailed.Error())
	default:
		return protocol.NewRequestError(protocol.CodeUnknownMethod,
			fmt.Sprintf("%v: %s", ErrUnknownAuthMethod, params.MethodID))
	}
}

// NewSession creates a session. An invalid, empty, or non-existent
// working directory falls back to the process working directory.
func (m *Manager) NewSession(params protocol.NewSessionParams) (protocol.NewSessionResult, error) {
	cwd := m.validateCwd(params.Cwd)
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Cwd:          cwd,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("cwd", cwd))
	return protocol.NewSessionResult{SessionID: s.ID}, nil
}

func (m *Manager) validateCwd(cwd string) string {
	if cwd != "" && filepath.IsAbs(cwd) {
		if info, err := os.Stat(cwd); err == nil && info.IsDir() {
			return filepath.Clean(cwd)
		}
	}
	fallback, err := os.Getwd()
	if err != nil {
		// Last resort so a session always has a root.
		return string(os.PathSeparator)
	}
	if cwd != "" {
		m.logger.Warn("invalid working directory, using fallback",
			zap.String("requested", cwd),
			zap.String("fallback", fallback))
	}
	return fallback
}

// LoadSession touches an existing session's activity time.
func (m *Manager) LoadSession(params protocol.LoadSessionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[params.SessionID]
	if !ok {
		return protocol.NewRequestError(protocol.CodeSessionNotFound,
			fmt.Sprintf("%v: %s", ErrSessionNotFound, params.SessionID))
	}
	if s.Cancelled {
		return protocol.NewRequestError(protocol.CodeSessionGone,
			fmt.Sprintf("%v: %s", ErrSessionCancelled, params.SessionID))
	}
	s.LastActivity = time.Now()
	return nil
}

// Prompt converts the block sequence to text and dispatches it to the
// responder. The session's cancelled flag is checked before returning,
// not mid-call: a cancellation during processing changes only the stop
// reason.
func (m *Manager) Prompt(ctx context.Context, params protocol.PromptParams) (protocol.PromptResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[params.SessionID]
	if !ok {
		m.mu.Unlock()
		return protocol.PromptResult{}, protocol.NewRequestError(protocol.CodeSessionNotFound,
			fmt.Sprintf("%v: %s", ErrSessionNotFound, params.SessionID))
	}
	if s.Cancelled {
		m.mu.Unlock()
		return protocol.PromptResult{}, protocol.NewRequestError(protocol.CodeSessionGone,
			fmt.Sprintf("%v: %s", ErrSessionCancelled, params.SessionID))
	}
	s.LastActivity = time.Now()
	m.mu.Unlock()

	// An empty block list never dispatches downstream.
	if len(params.Prompt) == 0 {
		m.logger.Warn("prompt with no content", zap.String("session_id", params.SessionID))
		return protocol.PromptResult{StopReason: protocol.StopRefusal}, nil
	}

	text := ConvertBlocks(params.Prompt)
	_, err := m.responder.Respond(ctx, params.SessionID, text)

	// Cancelled-during-processing wins over every other outcome.
	if m.isCancelled(params.SessionID) {
		return protocol.PromptResult{StopReason: protocol.StopCancelled}, nil
	}
	if err != nil {
		m.logger.Warn("prompt processing failed",
			zap.String("session_id", params.SessionID),
			zap.Error(err))
		return protocol.PromptResult{StopReason: protocol.StopRefusal}, nil
	}
	return protocol.PromptResult{StopReason: protocol.StopEndTurn}, nil
}

// Cancel sets the session's cancelled flag. Idempotent; unknown ids
// are a logged no-op, not an error.
func (m *Manager) Cancel(params protocol.CancelParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[params.SessionID]
	if !ok {
		m.logger.Debug("cancel for unknown session", zap.String("session_id", params.SessionID))
		return
	}
	if s.Cancelled {
		return
	}
	s.Cancelled = true
	m.logger.Info("session cancelled", zap.String("session_id", params.SessionID))
}

func (m *Manager) isCancelled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return ok && s.Cancelled
}

// Session returns a snapshot of one session.
func (m *Manager) Session(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns a snapshot of the registry, oldest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown cancels every still-active session, then clears the
// registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.Cancelled {
			s.Cancelled = true
		}
	}
	m.sessions = make(map[string]*Session)
	m.logger.Info("session manager shut down")
}

// Ensure Manager satisfies the protocol handler surface.
var _ protocol.Handler = (*Manager)(nil)

// echoResponder is the trivial fallback when no agent scheduler is
// wired.
type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, sessionID, text string) (string, error) {
	return "received: " + text, nil
}
