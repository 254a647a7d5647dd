package warden

import "errors"

// Connection-level error kinds. Codec and store kinds live in their
// packages; these cover the handshake and upstream legs.
var (
	// ErrTLSHandshake covers a failed server-side handshake with the
	// client; the connection is closed without a response body.
	ErrTLSHandshake = errors.New("warden: tls handshake failed")
	// ErrUpstreamUnreachable covers connect failures to the origin.
	ErrUpstreamUnreachable = errors.New("warden: upstream unreachable")
	// ErrUpstreamTLS covers a failed client-side handshake with the
	// origin, including hostname verification.
	ErrUpstreamTLS = errors.New("warden: upstream tls failure")
)
