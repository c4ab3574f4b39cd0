package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/rpc/captable"
)

// handleDisembargo dispatches on a Disembargo's context (spec §4.7
// "disembargo", §4.8.2).
func (p *Peer) handleDisembargo(ctx context.Context, d *DisembargoMessage) error {
	switch d.Which() {
	case DisembargoSenderLoopback:
		return p.handleSenderLoopback(ctx, d)
	case DisembargoReceiverLoopback:
		return p.handleReceiverLoopback(ctx, d)
	case DisembargoAccept:
		return p.handleDisembargoAccept(ctx, d)
	default:
		return rpcerr.Errorf(rpcerr.KindInvalidDiscrim, "dispatch.disembargo", "unknown disembargo context %d", d.Which())
	}
}

// handleSenderLoopback is received by the host of the capability a
// remote peer's resolved promise now names: verify the target is a
// known local export, then echo the id straight back as
// receiverLoopback. By the time this frame arrives, HandleFrame has
// already processed every call the sender routed ahead of it (this
// runtime dispatches frames strictly in arrival order), so the echo
// itself is the entire ordering proof (spec §4.7 disembargo row).
func (p *Peer) handleSenderLoopback(ctx context.Context, d *DisembargoMessage) error {
	target, err := d.Target()
	if err != nil {
		return rpcerr.Annotate("dispatch.disembargo", err)
	}
	if target.Which() != TargetImportedCap {
		return p.abortf(ctx, 2, "disembargo senderLoopback target is not an imported cap")
	}
	exportID := captable.ExportID(target.ImportedCap())
	p.mu.Lock()
	_, known := p.exports[exportID]
	p.mu.Unlock()
	if !known {
		return rpcerr.Errorf(rpcerr.KindUnknownDisembargoTgt, "dispatch.disembargo", "senderLoopback target %d is not a known local export", exportID)
	}
	echo, err := NewDisembargoReceiverLoopbackMessage(d.EmbargoID(), MessageTarget{})
	if err != nil {
		return rpcerr.Annotate("dispatch.disembargo", err)
	}
	return p.send(ctx, echo.Msg)
}

// handleReceiverLoopback completes an embargo this peer itself
// originated in sendSenderLoopback: the matching promise's embargoed
// flag clears and anything blocked behind it may proceed.
func (p *Peer) handleReceiverLoopback(ctx context.Context, d *DisembargoMessage) error {
	eid := captable.EmbargoID(d.EmbargoID())
	p.mu.Lock()
	emb, ok := p.pendingEmbargoes[eid]
	if ok {
		delete(p.pendingEmbargoes, eid)
	}
	var ri *resolvedImportState
	if ok {
		ri = p.resolvedImports[emb.promiseID]
		if ri != nil {
			ri.embargoed = false
		}
	}
	p.mu.Unlock()
	if !ok {
		return rpcerr.Errorf(rpcerr.KindMissingEmbargoID, "dispatch.disembargo", "no pending embargo %d", eid)
	}
	if emb.ready != nil {
		close(emb.ready)
	}
	return nil
}

// handleDisembargoAccept drains every Accept parked on embargoKey in
// arrival order (spec §4.8.3).
func (p *Peer) handleDisembargoAccept(ctx context.Context, d *DisembargoMessage) error {
	key, err := d.EmbargoKey()
	if err != nil {
		return rpcerr.Annotate("dispatch.disembargo", err)
	}
	return p.releaseParkedAccepts(ctx, string(key))
}
