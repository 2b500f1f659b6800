package stdio

import (
	"io"
	"log/slog"

	"github.com/Spartee/arcade-ai/config"
	"github.com/Spartee/arcade-ai/secrets"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger. The default writes to stderr.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithConfig overrides the runtime configuration.
func WithConfig(cfg config.Config) Option {
	return func(h *Handler) { h.cfg = cfg }
}

// WithSecrets wires the secret resolver exposed to tools.
func WithSecrets(store secrets.Store) Option {
	return func(h *Handler) { h.secrets = store }
}
