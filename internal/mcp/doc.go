// Package mcp implements the MCP (Model Context Protocol) connection
// manager: transport adapters, session supervision, the aggregated tool
// catalog, and the invocation router that the chat/completion loop
// consumes.
//
// MCP uses JSON-RPC 2.0 over three transports: stdio (subprocess with
// newline-delimited messages), SSE (long-lived server-sent-event stream
// plus per-request POSTs), and streamable HTTP (POST per request with
// SSE-framed responses). Each configured provider gets one Session, a
// state machine owning its transport exclusively, and the supervisor
// drives sessions through connect, reconnect-with-backoff, and
// disable-on-repeated-failure. Discovered tools are flattened into a
// single catalog; the router resolves a tool name to its owning session
// and dispatches the call with a timeout and an output-size ceiling.
//
// This implementation covers the client/host side only; groq-mcpd does
// not act as an MCP server.
package mcp
