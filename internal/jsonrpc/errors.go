package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined server error codes used by the transports.
const (
	// ErrorCodeSessionNotFound covers both a missing and an unknown session id.
	ErrorCodeSessionNotFound ErrorCode = -32000
	// ErrorCodeUnexpectedSession indicates an initialize request that already carried a session id.
	ErrorCodeUnexpectedSession ErrorCode = -32001
	// ErrorCodeConflict indicates the request conflicts with the session's current state.
	ErrorCodeConflict ErrorCode = -32002
)
