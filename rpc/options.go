package rpc

import "github.com/vatwire/capnp/internal/diag"

// peerParams collects the options passed to NewPeer, mirroring the
// teacher's connParams/ConnOption split.
type peerParams struct {
	bootstrap      Handler
	sendBufferSize int
	capTableLimit  int
	errorHandler   func(error)
	trace          *diag.Trace
}

// PeerOption configures a Peer at construction time.
type PeerOption struct {
	f func(*peerParams)
}

// WithBootstrap sets the Handler returned to the remote's Bootstrap
// messages. Without it, every Bootstrap fails with CapabilityUnavailable
// (grounded on the teacher's BootstrapFunc/MainInterface).
func WithBootstrap(h Handler) PeerOption {
	return PeerOption{func(p *peerParams) { p.bootstrap = h }}
}

// WithSendBufferSize records an outbound buffer size (teacher's
// SendBufferSize). The Peer does not use it: every frame goes straight
// to Transport.Send, with no buffering of its own.
func WithSendBufferSize(n int) PeerOption {
	return PeerOption{func(p *peerParams) { p.sendBufferSize = n }}
}

// WithCapTableLimit records a cap-table size limit, but NewPeer does not
// apply it: captable.MaxEntries always bounds the shared id namespace.
func WithCapTableLimit(n int) PeerOption {
	return PeerOption{func(p *peerParams) { p.capTableLimit = n }}
}

// WithErrorHandler registers a callback for non-fatal per-message errors
// (the teacher logs these with log.Println; here the caller decides).
func WithErrorHandler(f func(error)) PeerOption {
	return PeerOption{func(p *peerParams) { p.errorHandler = f }}
}

// WithDiagnosticTrace attaches a ring-buffer trace of dispatch decisions
// for postmortem dumps (internal/diag).
func WithDiagnosticTrace(t *diag.Trace) PeerOption {
	return PeerOption{func(p *peerParams) { p.trace = t }}
}
