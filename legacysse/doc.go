// Package legacysse implements the two-endpoint HTTP+SSE MCP transport used
// by clients that predate the single-endpoint transport.
//
//	GET  /sse                    open a session and its event stream
//	POST /messages?sessionId=ID  send a JSON-RPC payload to the session
//
// The stream-open request allocates the session id, registers the session in
// the legacy namespace and announces the send URL as the first event:
//
//	event: endpoint
//	data: /messages?sessionId=5b0c...
//
// POSTs to that URL are acknowledged with 202 and an empty body. The JSON-RPC
// responses they produce are written to the open stream as "message" events,
// because only the stream-open request holds a connection to the client.
//
// The session lives exactly as long as the stream. When the connection
// closes the session is terminated, racing safely with an explicit DELETE
// issued through the single-endpoint transport.
package legacysse
