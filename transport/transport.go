// Package transport defines the framer that turns a byte stream into
// Cap'n Proto frames (spec §4.1) and the Transport interface the peer
// is driven by. It does not implement any actual network I/O — that is
// explicitly the caller's responsibility (spec §1 Out of scope).
package transport

import "context"

// Transport is the sink/source the rpc.Peer is attached to. The peer
// never reaches inside a Transport beyond this function table (design
// note §9: "the transport holds a back-pointer to the peer ... the peer
// never reaches inside the transport except through the provided
// function table").
type Transport interface {
	// Send writes a fully-framed message. It may block or buffer.
	Send(ctx context.Context, frame []byte) error
	// Close shuts the transport down.
	Close() error
	// IsClosing reports whether the transport has begun (or finished) a
	// graceful shutdown.
	IsClosing() bool
}
