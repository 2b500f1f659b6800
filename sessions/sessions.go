package sessions

import (
	"errors"

	"github.com/Spartee/arcade-ai/mcp"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState string

const (
	// SessionStatePending is the state between transport connect and receipt
	// of the initialize request.
	SessionStatePending SessionState = "pending"
	// SessionStateInitializing is the state after initialize was accepted but
	// before the client confirmed with notifications/initialized.
	SessionStateInitializing SessionState = "initializing"
	// SessionStateReady admits the full method surface.
	SessionStateReady SessionState = "ready"
	// SessionStateClosed is terminal; no further messages are exchanged.
	SessionStateClosed SessionState = "closed"
)

var (
	// ErrSessionNotFound indicates the session id does not resolve to a live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed indicates the session was terminated while work was outstanding.
	ErrSessionClosed = errors.New("session closed")
)

// ClientInfo identifies the client connecting to the server.
type ClientInfo struct {
	Name    string
	Version string
}

// CapabilitySet is the intersection-relevant slice of the client's advertised
// capabilities, stored on the session at negotiation time.
type CapabilitySet struct {
	Sampling         bool
	Roots            bool
	RootsListChanged bool
	Elicitation      bool
}

// Session represents a negotiated MCP session. Implementations MUST be safe
// for concurrent use; all mutable state (lifecycle, log floor, progress
// tokens) is owned by the session and accessed only through its handle.
type Session interface {
	SessionID() string
	// ProtocolVersion is the negotiated MCP protocol version baked into the session.
	ProtocolVersion() string
	State() SessionState
	Client() ClientInfo
	ClientCapabilities() CapabilitySet

	// MinLogLevel is the session's logging floor; notifications/message below
	// this severity are suppressed. Adjusted via logging/setLevel.
	MinLogLevel() mcp.LoggingLevel

	// HasProgressToken reports whether the given progress token belongs to a
	// request currently in flight on this session.
	HasProgressToken(token string) bool
}
