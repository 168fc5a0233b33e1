// Package quantumerr holds the sentinel errors shared across the quantum
// transport packages. Callers compare against these with errors.Is; every
// wrapping site uses fmt.Errorf's %w verb so the sentinel survives.
package quantumerr

import "errors"

var (
	// ErrBrokenPipe is returned by Send/Recv on an endpoint that has been
	// closed.
	ErrBrokenPipe = errors.New("quantum: broken pipe")

	// ErrOverflow is returned when a bounded queue (the pacer's egress
	// queue) is full. It is non-fatal: the ARQ layer will retransmit.
	ErrOverflow = errors.New("quantum: queue overflow")

	// ErrClosed is returned by operations attempted after the owning
	// component (pacer, listener, endpoint) has shut down.
	ErrClosed = errors.New("quantum: closed")

	// ErrProtocol indicates a malformed ARQ header or truncated feedback
	// payload. The offending datagram is discarded; the connection
	// persists.
	ErrProtocol = errors.New("quantum: protocol error")

	// ErrTimeout indicates ARQ-layer dead-peer detection (keepalive
	// expiry).
	ErrTimeout = errors.New("quantum: timeout")
)
