// Package mcp contains the protocol data types and method names exchanged
// between clients and this server. It mirrors the wire representation of the
// Model Context Protocol for the subset of methods the multiplexer routes:
// initialize, ping, tools, prompts and resources.
//
// The package is free of transport logic. The modern and legacy HTTP
// transports both carry these types inside JSON-RPC envelopes built by
// internal/jsonrpc.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Protocol Versions
//
// LatestProtocolVersion is what the server answers with when a client asks
// for a version it does not know. IsSupportedProtocolVersion reports whether
// a requested version can be echoed back unchanged.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
package mcp
