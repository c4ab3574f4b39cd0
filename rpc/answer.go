package rpc

import (
	"context"
	"sync"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// answer is an entry in a Peer's answer table: a Call this peer owes a
// Return for (spec §3 "Answer", §4.7.2). Grounded on bobg's answer.go,
// generalized from a single sendSession wrapping one rpccp.Return to a
// Peer method that builds and sends the Return itself, since this
// module's wire layer has no persistent per-message send session.
type answer struct {
	id     captable.AnswerID
	cancel context.CancelFunc

	// state is a bitmask: bit0 return sent, bit1 finish received, bit2
	// results ready (bobg's answer.state).
	state uint8

	// pcalls is a WaitGroup slot for pipelined calls against this
	// answer's results; no code path adds to it or waits on it, so
	// Return does not wait for pipelined calls.
	pcalls sync.WaitGroup

	// resultCaps holds the ExportIDs this answer's own results payload
	// exported, released when Finish says releaseResultCaps.
	resultCaps []captable.ExportID

	requireEarlyCancellation bool

	// suppressCleanup, when set, keeps the entry in p.answers after both
	// Return and Finish have happened. Nothing in this package sets it;
	// third-party adoption re-keys questions, not answers.
	suppressCleanup bool
}

// isDone reports whether both halves (return sent, finish received) have
// occurred and the entry can be dropped from the answers table.
func (a *answer) isDone() bool { return a.state&3 == 3 }

// newAnswer registers an inbound call's answer entry. The caller must be
// holding p.mu. Reusing a live id is a protocol violation the caller
// should have already turned into an Abort.
func (p *Peer) newAnswer(id captable.AnswerID, cancel context.CancelFunc) (*answer, error) {
	if _, exists := p.answers[id]; exists {
		return nil, rpcerr.Errorf(rpcerr.KindDupProvideQuestion, "peer.new_answer", "answer id %d reused", id)
	}
	a := &answer{id: id, cancel: cancel}
	p.answers[id] = a
	return a, nil
}

// finishAnswer is called on receipt of a Finish for id: it records the
// finish, runs releaseResultCaps bookkeeping once results exist, and
// drops the table entry if the answer has already returned. A Finish
// carrying requireEarlyCancellation for an answer that hasn't produced
// results yet cancels the handler's context and sends Return.canceled
// immediately, rather than waiting for the handler to notice (spec §12).
func (p *Peer) finishAnswer(ctx context.Context, id captable.AnswerID, releaseResultCaps, requireEarlyCancellation bool) {
	p.mu.Lock()
	a, ok := p.answers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	a.state |= 2
	cancelNow := requireEarlyCancellation && a.state&4 == 0 && a.cancel != nil
	if cancelNow {
		a.cancel()
	}
	done := a.isDone()
	var toRelease []captable.ExportID
	if releaseResultCaps {
		toRelease = a.resultCaps
	}
	if done && !a.suppressCleanup {
		delete(p.answers, id)
	}
	for _, eid := range toRelease {
		p.releaseExport(eid, 1)
	}
	p.mu.Unlock()
	if cancelNow {
		if err := p.sendCanceled(ctx, id); err != nil {
			p.reportError(rpcerr.Annotate("answer.finish_cancel", err))
		}
	}
}

// sendReturnResults builds and sends a Return.results for id, allocating
// the results struct via build (mirroring bobg's AllocResults). It is the
// Peer-level counterpart of answer.lockedReturn for the success case.
func (p *Peer) sendReturnResults(ctx context.Context, id captable.AnswerID, build BuildResultsFunc) error {
	p.mu.Lock()
	a, ok := p.answers[id]
	if !ok {
		p.mu.Unlock()
		return rpcerr.Errorf(rpcerr.KindUnknownQuestion, "peer.send_return_results", "no answer %d", id)
	}
	m, env, err := newEnvelope(TagReturn)
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("peer.send_return_results", err)
	}
	seg := env.Segment()
	content, err := build(seg)
	if err != nil {
		p.mu.Unlock()
		return p.finalizeReturnException(ctx, id, err)
	}
	payload, used, err := p.encodeOutboundPayload(seg, content.ToPtr())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	a.resultCaps = used
	retStruct, err := allocVariant(env, sizeReturn)
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("peer.send_return_results", err)
	}
	if err := retStruct.SetUint32(0, uint32(id)); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetBool(4, 0, false); err != nil { // releaseParamCaps=true, wire-inverted
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetUint16(6, uint16(ReturnResults)); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetPointer(0, payload.ToPtr()); err != nil {
		p.mu.Unlock()
		return err
	}
	ret := &ReturnMessage{Msg: m, s: retStruct}
	ra := &resolvedAnswer{msg: m, content: content.ToPtr()}
	p.mu.Unlock()
	return p.sendReturnMessage(ctx, id, ret, ra)
}

// sendReturnCapability sends a Return.results whose entire content is a
// freshly exported capability (spec §4.7.2 "bootstrap" and the Accept
// response, §4.8.3). Unlike sendReturnResults, the caller supplies no
// struct content, so this builds the one-entry cap table directly rather
// than going through encodeOutboundPayload's msg.CapTable scan.
func (p *Peer) sendReturnCapability(ctx context.Context, id captable.AnswerID, h Handler) error {
	p.mu.Lock()
	a, ok := p.answers[id]
	if !ok {
		p.mu.Unlock()
		return rpcerr.Errorf(rpcerr.KindUnknownQuestion, "peer.send_return_capability", "no answer %d", id)
	}
	m, env, err := newEnvelope(TagReturn)
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("peer.send_return_capability", err)
	}
	seg := env.Segment()
	exportID := p.exportFor(h)
	capIdx := seg.Message().AddCap(CapRef{kind: capRefExportID, exportID: exportID})
	payload, err := NewPayload(seg)
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("peer.send_return_capability", err)
	}
	ifacePtr := message.NewInterfacePtr(uint32(capIdx))
	if err := payload.SetContent(ifacePtr); err != nil {
		p.mu.Unlock()
		return err
	}
	desc, err := NewIDCapDescriptor(seg, captable.DescSenderHosted, uint32(exportID))
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if err := payload.SetCapTable(seg, []CapDescriptor{desc}); err != nil {
		p.mu.Unlock()
		return err
	}
	a.resultCaps = []captable.ExportID{exportID}
	retStruct, err := allocVariant(env, sizeReturn)
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("peer.send_return_capability", err)
	}
	if err := retStruct.SetUint32(0, uint32(id)); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetBool(4, 0, false); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetUint16(6, uint16(ReturnResults)); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := retStruct.SetPointer(0, payload.ToPtr()); err != nil {
		p.mu.Unlock()
		return err
	}
	ret := &ReturnMessage{Msg: m, s: retStruct}
	ra := &resolvedAnswer{msg: m, content: ifacePtr}
	p.mu.Unlock()
	return p.sendReturnMessage(ctx, id, ret, ra)
}

// finalizeReturnException sends a Return.exception for id (bobg's
// lockedReturn error branch).
func (p *Peer) finalizeReturnException(ctx context.Context, id captable.AnswerID, cause error) error {
	reason := cause.Error()
	kind := uint16(0)
	if k := rpcerr.KindOf(cause); k != "" {
		kind = 1
	}
	m, env, err := newEnvelope(TagReturn)
	if err != nil {
		return rpcerr.Annotate("peer.send_return_exception", err)
	}
	seg := env.Segment()
	retStruct, err := allocVariant(env, sizeReturn)
	if err != nil {
		return rpcerr.Annotate("peer.send_return_exception", err)
	}
	exc, err := NewException(seg, kind, reason)
	if err != nil {
		return rpcerr.Annotate("peer.send_return_exception", err)
	}
	if err := retStruct.SetUint32(0, uint32(id)); err != nil {
		return err
	}
	if err := retStruct.SetBool(4, 0, false); err != nil {
		return err
	}
	if err := retStruct.SetUint16(6, uint16(ReturnException)); err != nil {
		return err
	}
	if err := retStruct.SetPointer(0, exc.ToPtr()); err != nil {
		return err
	}
	ret := &ReturnMessage{Msg: m, s: retStruct}
	ra := &resolvedAnswer{isException: true, excReason: reason, excKind: kind}
	return p.sendReturnMessage(ctx, id, ret, ra)
}

// sendCanceled sends a Return.canceled for id (early-cancellation path,
// spec §12).
func (p *Peer) sendCanceled(ctx context.Context, id captable.AnswerID) error {
	ret, err := NewReturnCanceledMessage(uint32(id), true)
	if err != nil {
		return rpcerr.Annotate("peer.send_canceled", err)
	}
	return p.sendReturnMessage(ctx, id, ret, &resolvedAnswer{isException: true, excReason: "call canceled"})
}

// sendReturnMessage claims id's return-sent bit, then frames and sends
// ret, cleaning the table entry up if Finish already arrived (bobg's
// lockedReturn tail: "already received finish, delete answer"). The
// claim happens before the wire send so a Return already claimed by an
// early Return.canceled (finishAnswer's requireEarlyCancellation path)
// is never followed by a second Return for the same id. ra, if non-nil,
// is cached so PromisedAnswer-targeted calls arriving after this point
// route against it immediately instead of queuing (spec §4.8.1).
func (p *Peer) sendReturnMessage(ctx context.Context, id captable.AnswerID, ret *ReturnMessage, ra *resolvedAnswer) error {
	p.mu.Lock()
	a, ok := p.answers[id]
	if ok {
		if a.state&1 != 0 {
			p.mu.Unlock()
			return nil
		}
		a.state |= 1 | 4
		if a.isDone() && !a.suppressCleanup {
			delete(p.answers, id)
		}
	}
	if ra != nil {
		p.resolvedAnswers[id] = ra
	}
	p.mu.Unlock()

	if err := p.send(ctx, ret.Msg); err != nil {
		return err
	}
	if ra != nil {
		p.flushPendingPromises(ctx, id)
	}
	return nil
}
