// Package streaminghttp implements the HTTP transport pair for the server:
//
//   - POST /mcp accepts exactly one JSON-RPC object per request and answers
//     with a single JSON response (202 for notifications and client
//     responses). The first initialize request mints a session; its id is
//     echoed in the mcp-session-id header and identifies the session on
//     every subsequent request.
//   - GET /mcp opens a Server-Sent Events stream carrying server-to-client
//     messages (notifications, progress, server-initiated requests). Every
//     event carries a monotonically increasing id backed by the event store,
//     so a client reconnecting with Last-Event-ID resumes exactly after the
//     last event it saw. Resume points that have aged out of the retention
//     window produce a fresh stream and a replay-unavailable comment.
//   - DELETE /mcp terminates the session.
//
// The handler is transport-only: all MCP semantics live in the engine.
package streaminghttp
