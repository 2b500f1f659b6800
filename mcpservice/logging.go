package mcpservice

import (
	"context"
	"log/slog"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/sessions"
)

// minLevelSetter is implemented by the engine's session handle; the session
// owns its logging floor, so the capability mutates it through the handle
// rather than any global registry.
type minLevelSetter interface {
	SetMinLogLevel(level mcp.LoggingLevel)
}

// NewSessionLogging returns the LoggingCapability that backs logging/setLevel
// with the session-owned minimum level consulted by the tool context's log
// facet.
func NewSessionLogging() LoggingCapability {
	return sessionLogging{}
}

type sessionLogging struct{}

// ProvideLogging returns the session-floor logging capability, in the form
// WithLoggingProvider accepts.
func (sessionLogging) ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	return sessionLogging{}, true, nil
}

func (sessionLogging) SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return ErrInvalidLoggingLevel
	}
	if setter, ok := session.(minLevelSetter); ok {
		setter.SetMinLogLevel(level)
	}
	return nil
}

// NewSlogLevelVarLogging returns a LoggingCapability that maps MCP
// LoggingLevel onto a slog.LevelVar, adjusting the process-wide slog floor
// for handlers built from the same LevelVar. Useful for stdio deployments
// where the client and operator share one log stream.
func NewSlogLevelVarLogging(lv *slog.LevelVar) LoggingCapability {
	return &slogLevelVarLogging{lv: lv}
}

type slogLevelVarLogging struct{ lv *slog.LevelVar }

// ProvideLogging returns the slog LevelVar logging capability, in the form
// WithLoggingProvider accepts; a nil receiver reports the capability absent.
func (l *slogLevelVarLogging) ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	if l == nil {
		return nil, false, nil
	}
	return l, true, nil
}

func (l *slogLevelVarLogging) SetLevel(ctx context.Context, session sessions.Session, level mcp.LoggingLevel) error {
	if l == nil || l.lv == nil {
		return nil
	}
	if !mcp.IsValidLoggingLevel(level) {
		return ErrInvalidLoggingLevel
	}
	var slogLevel slog.Level
	switch level {
	case mcp.LoggingLevelDebug:
		slogLevel = slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		// Map notice to info
		slogLevel = slog.LevelInfo
	case mcp.LoggingLevelWarning:
		slogLevel = slog.LevelWarn
	case mcp.LoggingLevelError, mcp.LoggingLevelCritical, mcp.LoggingLevelAlert, mcp.LoggingLevelEmergency:
		// Map error and above to error
		slogLevel = slog.LevelError
	default:
		return ErrInvalidLoggingLevel
	}
	l.lv.Set(slogLevel)
	// Keep the session floor in sync when the handle allows it.
	if setter, ok := session.(minLevelSetter); ok {
		setter.SetMinLogLevel(level)
	}
	return nil
}
