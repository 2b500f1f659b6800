package engine

import (
	"sync"

	"github.com/Spartee/arcade-ai/internal/outbound"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

// SessionHandle is the engine-owned concrete session. It owns all mutable
// per-session state: lifecycle, negotiated capabilities, logging floor,
// the active progress-token table, and the cancellation ledger. State
// transitions are serialized behind the handle's lock so no handler observes
// an inconsistent (state, capabilities) pair.
type SessionHandle struct {
	id string

	mu              sync.RWMutex
	state           sessions.SessionState
	protocolVersion string
	client          sessions.ClientInfo
	caps            sessions.CapabilitySet
	minLogLevel     mcp.LoggingLevel
	progressTokens  map[string]struct{}
	cancelled       map[string]string // request id -> reason

	out *outbound.Dispatcher
}

// NewSessionHandle creates a pending session with the given id and initial
// logging floor.
func NewSessionHandle(id string, minLevel mcp.LoggingLevel) *SessionHandle {
	if !mcp.IsValidLoggingLevel(minLevel) {
		minLevel = mcp.LoggingLevelInfo
	}
	return &SessionHandle{
		id:             id,
		state:          sessions.SessionStatePending,
		minLogLevel:    minLevel,
		progressTokens: make(map[string]struct{}),
		cancelled:      make(map[string]string),
	}
}

// SessionID implements sessions.Session.
func (s *SessionHandle) SessionID() string { return s.id }

// ProtocolVersion implements sessions.Session.
func (s *SessionHandle) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// State implements sessions.Session.
func (s *SessionHandle) State() sessions.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Client implements sessions.Session.
func (s *SessionHandle) Client() sessions.ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// ClientCapabilities implements sessions.Session.
func (s *SessionHandle) ClientCapabilities() sessions.CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// MinLogLevel implements sessions.Session.
func (s *SessionHandle) MinLogLevel() mcp.LoggingLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minLogLevel
}

// SetMinLogLevel adjusts the session logging floor (logging/setLevel).
func (s *SessionHandle) SetMinLogLevel(level mcp.LoggingLevel) {
	if !mcp.IsValidLoggingLevel(level) {
		return
	}
	s.mu.Lock()
	s.minLogLevel = level
	s.mu.Unlock()
}

// HasProgressToken implements sessions.Session.
func (s *SessionHandle) HasProgressToken(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.progressTokens[token]
	return ok
}

// addProgressToken registers a token for an in-flight request.
func (s *SessionHandle) addProgressToken(token string) {
	s.mu.Lock()
	s.progressTokens[token] = struct{}{}
	s.mu.Unlock()
}

// removeProgressToken releases a token when its request completes.
func (s *SessionHandle) removeProgressToken(token string) {
	s.mu.Lock()
	delete(s.progressTokens, token)
	s.mu.Unlock()
}

// markCancelled records a notifications/cancelled for the request id.
func (s *SessionHandle) markCancelled(requestID, reason string) {
	s.mu.Lock()
	if _, exists := s.cancelled[requestID]; !exists {
		s.cancelled[requestID] = reason
	}
	s.mu.Unlock()
}

// wasCancelled reports (and clears) a cancellation mark for the request id.
func (s *SessionHandle) wasCancelled(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.cancelled[requestID]
	if ok {
		delete(s.cancelled, requestID)
	}
	return reason, ok
}

// beginInitialize moves pending -> initializing, storing the negotiated
// protocol version and capability intersection. Returns false if the session
// is not pending.
func (s *SessionHandle) beginInitialize(protocolVersion string, client sessions.ClientInfo, caps sessions.CapabilitySet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessions.SessionStatePending {
		return false
	}
	s.state = sessions.SessionStateInitializing
	s.protocolVersion = protocolVersion
	s.client = client
	s.caps = caps
	return true
}

// confirmInitialized moves initializing -> ready. Idempotent for an already
// ready session; returns false from any other state.
func (s *SessionHandle) confirmInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case sessions.SessionStateInitializing:
		s.state = sessions.SessionStateReady
		return true
	case sessions.SessionStateReady:
		return true
	default:
		return false
	}
}

// close moves the session to its terminal state. Returns false if already closed.
func (s *SessionHandle) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessions.SessionStateClosed {
		return false
	}
	s.state = sessions.SessionStateClosed
	s.progressTokens = make(map[string]struct{})
	return true
}

// BindOutbound attaches the per-session dispatcher for server-initiated
// requests. Transports call this once after wiring their write channel.
func (s *SessionHandle) BindOutbound(d *outbound.Dispatcher) {
	s.mu.Lock()
	s.out = d
	s.mu.Unlock()
}

// Outbound returns the session's dispatcher, or nil when the transport does
// not support server-initiated requests.
func (s *SessionHandle) Outbound() *outbound.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.out
}

var _ sessions.Session = (*SessionHandle)(nil)
