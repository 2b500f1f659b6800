package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/internal/logctx"
)

// HandlerFunc is the dispatch unit wrapped by middleware. A nil response with
// a nil error means the response was deliberately suppressed.
type HandlerFunc func(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// chain composes middleware so the first entry is outermost.
func chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// loggingMiddleware records method, id, elapsed time and outcome for every
// dispatched request.
func loggingMiddleware(log *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
			start := time.Now()
			ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
				Method: req.Method,
				ID:     req.ID.String(),
				Type:   "request",
			})

			res, err := next(ctx, sess, req)

			attrs := []any{slog.Int64("dur_ms", time.Since(start).Milliseconds())}
			switch {
			case err != nil:
				attrs = append(attrs, slog.String("err", err.Error()))
				log.ErrorContext(ctx, "engine.handle_request.fail", attrs...)
			case res == nil:
				log.InfoContext(ctx, "engine.handle_request.suppressed", attrs...)
			case res.Error != nil:
				attrs = append(attrs, slog.Int("code", int(res.Error.Code)))
				log.InfoContext(ctx, "engine.handle_request.rpc_error", attrs...)
			default:
				log.InfoContext(ctx, "engine.handle_request.ok", attrs...)
			}
			return res, err
		}
	}
}

// errorMiddleware converts uncaught handler failures (errors and panics) into
// JSON-RPC internal errors. When mask is set, error.data is redacted so
// internals never leak to the client.
func errorMiddleware(log *slog.Logger, mask bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (res *jsonrpc.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorContext(ctx, "engine.handle_request.panic", slog.Any("panic", r))
					res = internalError(req.ID, "internal error", r, mask)
					err = nil
				}
			}()

			res, err = next(ctx, sess, req)
			if err != nil {
				log.ErrorContext(ctx, "engine.handle_request.err", slog.String("err", err.Error()))
				return internalError(req.ID, "internal error", err.Error(), mask), nil
			}
			if res != nil && res.Error != nil && mask {
				res.Error.Data = nil
			}
			return res, nil
		}
	}
}

func internalError(id *jsonrpc.RequestID, msg string, detail any, mask bool) *jsonrpc.Response {
	if mask {
		detail = nil
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, msg, detail)
}
