package rpc

import "github.com/vatwire/capnp/rpc/captable"

// exportHandlerLocked looks up the Handler behind id without taking a new
// reference. Caller must hold p.mu.
func (p *Peer) exportHandlerLocked(id captable.ExportID) (Handler, error) {
	e, err := p.findExport(id)
	if err != nil {
		return nil, err
	}
	return e.handler, nil
}

// export is an entry in a Peer's export table: a capability this peer
// hosts for the remote, kept alive by a ref count the remote's
// senderHosted/senderPromise descriptors and Release messages drive
// (spec §3 "Export", Invariant 1). Grounded on the teacher's
// findExport/releaseExport pattern, generalized from a bare *capnp.Client
// to a Handler plus a promise flag.
type export struct {
	handler  Handler
	refCount uint32
	// isPromise marks an export created for a not-yet-resolved promise
	// (spec §3 PromiseId "= the ExportId of a sender-promise").
	isPromise bool
}

func (e *export) addRef(n uint32) {
	if n == 0 {
		n = 1
	}
	e.refCount += n
}

// release decrements the export's ref count by n, reporting whether it
// reached zero (and should be removed from the table).
func (e *export) release(n uint32) bool {
	if n == 0 {
		n = 1
	}
	if n >= e.refCount {
		e.refCount = 0
		return true
	}
	e.refCount -= n
	return false
}
