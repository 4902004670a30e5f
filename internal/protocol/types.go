// Package protocol defines the wire surface of the client/agent
// session protocol: JSON-RPC 2.0 messages exchanged one per line over
// a byte stream, the typed request/response payloads, and the fixed
// vocabularies (stop reasons, capability flags, auth method ids).
package protocol

import (
	"encoding/json"
)

// ProtocolVersion is the single protocol revision this host speaks.
// Initialize fails for any other requested version.
const ProtocolVersion = 1

// Method names of the fixed request/response surface.
const (
	MethodInitialize   = "initialize"
	MethodAuthenticate = "authenticate"
	MethodNewSession   = "session/new"
	MethodLoadSession  = "session/load"
	MethodPrompt       = "session/prompt"
	MethodCancel       = "session/cancel"
)

// JSON-RPC error codes. The standard codes cover transport-level
// failures; the -320xx range carries the protocol's own error kinds.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeVersionMismatch = -32001
	CodeUnknownMethod   = -32002 // unknown auth method
	CodeSessionNotFound = -32003
	CodeSessionGone     = -32004 // session cancelled
)

// Request is one incoming JSON-RPC message. Notifications carry a nil
// ID and get no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *json.Number    `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one outgoing JSON-RPC message.
type Response struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      *json.Number `json:"id,omitempty"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error payload.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestError carries a protocol error code across the handler
// boundary so the server can map it onto the wire.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// NewRequestError builds a typed protocol error.
func NewRequestError(code int, message string) *RequestError {
	return &RequestError{Code: code, Message: message}
}

// StopReason is the fixed outcome code of a prompt exchange.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
	StopCancelled StopReason = "cancelled"
)

// AuthMethodID identifies a supported authentication method.
type AuthMethodID string

const (
	AuthMethodAPIKey AuthMethodID = "api_key"
	AuthMethodNone   AuthMethodID = "none"
)

// AuthMethod describes one supported authentication method.
type AuthMethod struct {
	ID          AuthMethodID `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
}

// PromptCapabilities advertises which content block types prompts may
// carry.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// AgentCapabilities is the fixed capability set returned by initialize.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion    int             `json:"protocolVersion"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
}

// AuthenticateParams selects an authentication method.
type AuthenticateParams struct {
	MethodID AuthMethodID `json:"methodId"`
}

// NewSessionParams creates a session rooted at a working directory.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// NewSessionResult returns the new session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// LoadSessionParams resumes an existing session.
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one typed element of a prompt. Exactly the fields
// for the named type are set; unrecognized types degrade to a marker
// during conversion rather than failing the prompt.
type ContentBlock struct {
	Type string `json:"type"`

	// Text payload, for type "text".
	Text string `json:"text,omitempty"`

	// URI and Name, for "resource_link".
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`

	// MimeType and Data, for "image" and "audio".
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`

	// Resource is the embedded payload for type "resource".
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is inline resource content carried in a prompt.
type EmbeddedResource struct {
	URI  string `json:"uri"`
	Text string `json:"text,omitempty"`
	Blob string `json:"blob,omitempty"`
}

// PromptParams submits a block sequence to a session.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the single stop reason of a prompt exchange.
type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

// CancelParams targets a session for cooperative cancellation. Sent as
// a notification; it has no response.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}
