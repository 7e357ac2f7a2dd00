package mcp

import "errors"

// Sentinel errors forming the invocation error taxonomy. Transport-level
// failures never reach the chat loop raw; they are translated into one
// of these before surfacing.
var (
	// ErrInvalidConfig is returned when a provider definition is missing
	// required fields for its transport kind.
	ErrInvalidConfig = errors.New("mcp: invalid provider config")

	// ErrNotConnected is returned when using a transport whose
	// connection has not been established or has been lost.
	ErrNotConnected = errors.New("mcp: provider not connected")

	// ErrConnect marks a handshake or spawn failure. The supervisor
	// retries these per the backoff policy.
	ErrConnect = errors.New("mcp: connect failed")

	// ErrProtocol marks a malformed message from a provider. The
	// session tears the connection down and reconnects.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrToolNotFound is returned when a tool name is not in the
	// catalog. Surfaced immediately, never retried.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrOwnerUnavailable is returned when a tool's owning session is
	// not Ready. Callers retry at the chat-loop level; the router never
	// queues across a reconnect.
	ErrOwnerUnavailable = errors.New("mcp: provider session not ready")

	// ErrCallTimeout is returned when a tool call exceeds its budget.
	// The session stays Ready; the late response is discarded by id.
	ErrCallTimeout = errors.New("mcp: tool call timed out")

	// ErrProvider wraps an error the provider itself reported for a
	// tool call.
	ErrProvider = errors.New("mcp: provider error")

	// ErrProviderNotFound is returned when referencing a provider name
	// with no session in the registry.
	ErrProviderNotFound = errors.New("mcp: provider not found")
)
