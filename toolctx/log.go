package toolctx

import (
	"context"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/notify"
)

// Log emits a notifications/message at the given severity to the originating
// session. Messages below the session's logging floor are suppressed; there
// is no debouncing on log traffic, only the rate limit.
func (tc *Context) Log(ctx context.Context, level mcp.LoggingLevel, data any) {
	if tc.notifier == nil || tc.sess == nil {
		return
	}
	if !mcp.LevelAtLeast(level, tc.sess.MinLogLevel()) {
		return
	}
	tc.notifier.Publish(ctx, notify.Notification{
		Method: mcp.LoggingMessageNotificationMethod,
		Params: mcp.LoggingMessageNotification{
			Level:  level,
			Data:   data,
			Logger: tc.loggerName,
		},
		SessionID: tc.sess.SessionID(),
	})
}

// Debug logs at debug severity.
func (tc *Context) Debug(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelDebug, data) }

// Info logs at info severity.
func (tc *Context) Info(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelInfo, data) }

// Notice logs at notice severity.
func (tc *Context) Notice(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelNotice, data) }

// Warning logs at warning severity.
func (tc *Context) Warning(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelWarning, data) }

// Error logs at error severity.
func (tc *Context) Error(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelError, data) }

// Critical logs at critical severity.
func (tc *Context) Critical(ctx context.Context, data any) {
	tc.Log(ctx, mcp.LoggingLevelCritical, data)
}

// Alert logs at alert severity.
func (tc *Context) Alert(ctx context.Context, data any) { tc.Log(ctx, mcp.LoggingLevelAlert, data) }

// Emergency logs at emergency severity.
func (tc *Context) Emergency(ctx context.Context, data any) {
	tc.Log(ctx, mcp.LoggingLevelEmergency, data)
}
