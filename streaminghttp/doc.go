// Package streaminghttp implements the single-endpoint MCP transport. It
// mounts as a standard net/http handler.
//
// Routes (relative to the configured endpoint, /mcp by default):
//
//	POST   /mcp              JSON-RPC request, notification or batch
//	GET    /mcp              open the session's push channel (SSE)
//	DELETE /mcp              terminate the session named by Mcp-Session-Id
//	DELETE /mcp/{sessionId}  terminate by path; searches modern then legacy
//
// # Sessions
//
// A POST whose payload contains an initialize call creates a session. The
// session is registered as Initializing, the initialize exchange runs under
// the session lock and the session only becomes Active once it succeeded;
// any failure removes it again. The new id is returned in the Mcp-Session-Id
// response header together with the negotiated Mcp-Protocol-Version.
//
// Every other request must carry Mcp-Session-Id. A missing header is a 400,
// an unknown or inactive session a 404. Transport errors are reported as
// JSON-RPC error envelopes before any dispatch happens; dispatcher errors are
// JSON-RPC errors inside an HTTP 200.
//
// # Push channel
//
// GET attaches the session's push channel. Only one stream may be attached at
// a time; a second GET is answered with 409. Progress notifications and any
// other server-initiated messages are delivered there as SSE "message" events
// whose ids can be replayed with Last-Event-ID. Terminating the session ends
// the stream.
//
// Example:
//
//	h, err := streaminghttp.New(store, eng, streaminghttp.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	http.ListenAndServe(":8080", h)
package streaminghttp
