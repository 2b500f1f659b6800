// Package stdio implements the newline-delimited JSON transport: each input
// line is one JSON-RPC object, each output object is written as a single
// line. One long-lived session exists per process. Diagnostic logging goes
// to stderr so stdout stays a clean protocol channel.
//
// The handler is transport-only; all MCP semantics live in the engine and
// the mcpservice.ServerCapabilities implementation it is given.
//
// Typical use:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "0.1.0"}),
//	    mcpservice.WithTools(tools...),
//	)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
package stdio
