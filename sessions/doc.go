// Package sessions is the registry that maps opaque session identifiers to
// live session records for the HTTP transports.
//
// Layers & Roles
//
//	Transport -> allocates ids, binds a protocol handler, drives state transitions
//	Store     -> concurrent registry keyed by (kind, id)
//	Session   -> per-client record: state machine, execution lock, owned handler
//
// # Namespaces
//
// Each transport kind owns an independent namespace. A modern session and a
// legacy session never collide even if they were issued the same id, and a
// lookup in one namespace never returns a session from the other.
//
// # Locking
//
// The Store's lock covers only registry operations (create, get, remove,
// count). Message processing for one session is serialized by that session's
// own execution lock (Session.Do), so requests for different sessions never
// contend beyond the registry lookup.
//
// # Lifecycle
//
//	Initializing -> Active -> Terminated
//
// Transitions never go backward. Termination is idempotent: whichever path
// fires first (explicit terminate, push connection close, idle sweep) closes
// the handler and every later call is a no-op.
package sessions
