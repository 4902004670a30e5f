// Package acp implements the protocol session manager: the state
// machine behind initialize, authenticate, session lifecycle, prompt,
// and cancel. Sessions are owned here exclusively; other components
// see them only through accessor calls.
package acp

import (
	"errors"
	"time"
)

var (
	// ErrProtocolVersionMismatch is returned by Initialize when the
	// client requests an unsupported protocol version.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")

	// ErrUnknownAuthMethod is returned by Authenticate for method ids
	// outside the advertised set.
	ErrUnknownAuthMethod = errors.New("unknown authentication method")

	// ErrAuthFailed is returned when api_key auth finds no usable
	// credential.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrSessionNotFound is returned for operations on unknown ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionCancelled is returned for mutating operations on a
	// cancelled session.
	ErrSessionCancelled = errors.New("session is cancelled")
)

// Session is one protocol-level conversation. The cancelled flag is
// monotonic: once set it never clears, and every mutating call except
// a repeated cancel fails from then on.
type Session struct {
	ID           string    `json:"id"`
	Cwd          string    `json:"cwd"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Cancelled    bool      `json:"cancelled"`
}
