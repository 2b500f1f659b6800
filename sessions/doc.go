// Package sessions defines the session abstraction shared by the engine,
// transports and capability implementations.
//
// A session is the lifecycle container for one client connection. It is
// created on connect in the pending state, moves to initializing when the
// initialize request is accepted, becomes ready once the client confirms
// with notifications/initialized, and closes on transport EOF or explicit
// termination. The engine owns the concrete implementation; everything else
// consumes the read-only Session interface.
//
// The CapabilitySet captures what the client advertised during initialize.
// A feature is available on a session only when both sides advertise it;
// callers gate server-to-client requests (sampling, roots, elicitation) on
// these flags.
package sessions
