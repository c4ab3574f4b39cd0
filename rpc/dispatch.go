package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// HandleFrame decodes one inbound frame and dispatches it to the
// matching handler (spec §4.7.2, the 13-tag Message union). The caller's
// own I/O loop is what drives this — HandleFrame never blocks on
// network I/O itself beyond whatever Send calls it triggers in response
// (bootstraps, returns, disembargo loopbacks) make on the Transport.
func (p *Peer) HandleFrame(ctx context.Context, frame []byte) error {
	m, err := DecodeFrame(frame)
	if err != nil {
		return p.abortf(ctx, 2, "decode frame: %v", err)
	}
	tag, payload, err := DecodeEnvelope(m)
	if err != nil {
		return p.abortf(ctx, 2, "decode envelope: %v", err)
	}
	p.mu.Lock()
	p.lastInboundTag = tag
	p.mu.Unlock()
	p.record("recv", tag.String(), nil)

	switch tag {
	case TagBootstrap:
		return p.handleBootstrap(ctx, AsBootstrapMessage(m, payload))
	case TagCall:
		return p.handleCall(ctx, AsCallMessage(m, payload))
	case TagReturn:
		return p.handleReturn(ctx, AsReturnMessage(m, payload))
	case TagFinish:
		return p.handleFinish(ctx, AsFinishMessage(m, payload))
	case TagRelease:
		return p.handleRelease(ctx, AsReleaseMessage(m, payload))
	case TagResolve:
		return p.handleResolve(ctx, AsResolveMessage(m, payload))
	case TagDisembargo:
		return p.handleDisembargo(ctx, AsDisembargoMessage(m, payload))
	case TagProvide:
		return p.handleProvide(ctx, AsProvideMessage(m, payload))
	case TagAccept:
		return p.handleAccept(ctx, AsAcceptMessage(m, payload))
	case TagJoin:
		return p.handleJoin(ctx, AsJoinMessage(m, payload))
	case TagThirdPartyAnswer:
		return p.handleThirdPartyAnswer(ctx, AsThirdPartyAnswerMessage(m, payload))
	case TagAbort:
		return p.handleAbort(AsAbortMessage(m, payload))
	case TagUnimplemented:
		return p.handleUnimplemented(AsUnimplementedMessage(m, payload))
	default:
		u, err := NewUnimplementedMessage(tag, payload)
		if err != nil {
			return rpcerr.Annotate("dispatch.unimplemented", err)
		}
		return p.send(ctx, u.Msg)
	}
}

func (p *Peer) abortf(ctx context.Context, kind uint16, format string, args ...interface{}) error {
	cause := rpcerr.Errorf(rpcerr.KindInvalidFrame, "peer.abort", format, args...)
	a, err := NewAbortMessage(kind, cause.Error())
	if err == nil {
		p.send(ctx, a.Msg)
	}
	p.reportError(cause)
	return cause
}

// --- Bootstrap ---

func (p *Peer) handleBootstrap(ctx context.Context, b *BootstrapMessage) error {
	answerID := captable.AnswerID(b.QuestionID())
	p.mu.Lock()
	h := p.bootstrap
	_, err := p.newAnswer(answerID, nil)
	p.mu.Unlock()
	if err != nil {
		return rpcerr.Annotate("dispatch.bootstrap", err)
	}
	if h == nil {
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindCapUnavailable, "peer.bootstrap", "no bootstrap interface registered"))
	}
	return p.sendReturnCapability(ctx, answerID, h)
}

// --- Call ---

func (p *Peer) handleCall(ctx context.Context, c *CallMessage) error {
	answerID := captable.AnswerID(c.QuestionID())
	target, err := c.Target()
	if err != nil {
		return rpcerr.Annotate("dispatch.call", err)
	}
	params, err := c.Params()
	if err != nil {
		return rpcerr.Annotate("dispatch.call", err)
	}

	switch target.Which() {
	case TargetImportedCap:
		return p.deliverCall(ctx, answerID, captable.ExportID(target.ImportedCap()), c, params)
	case TargetPromisedAnswer:
		pa, err := target.PromisedAnswer()
		if err != nil {
			return rpcerr.Annotate("dispatch.call", err)
		}
		return p.deliverPipelinedCall(ctx, answerID, pa, c, params)
	default:
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindMissingCallTarget, "dispatch.call", "unknown call target kind"))
	}
}

func (p *Peer) deliverCall(ctx context.Context, answerID captable.AnswerID, exportID captable.ExportID, c *CallMessage, params Payload) error {
	p.mu.Lock()
	cctx, cancel := context.WithCancel(ctx)
	_, aerr := p.newAnswer(answerID, cancel)
	p.mu.Unlock()
	if aerr != nil {
		return rpcerr.Annotate("dispatch.call", aerr)
	}
	return p.deliverToExport(cctx, ctx, answerID, exportID, c, params)
}

// deliverToExport dispatches c to exportID's Handler. It assumes the
// answer table entry for answerID already exists (created either by
// deliverCall or by the pipelined-call path before routing here).
func (p *Peer) deliverToExport(cctx, ctx context.Context, answerID captable.AnswerID, exportID captable.ExportID, c *CallMessage, params Payload) error {
	p.mu.Lock()
	e, err := p.findExport(exportID)
	p.mu.Unlock()
	if err != nil {
		return p.finalizeReturnException(ctx, answerID, err)
	}
	h := e.handler

	caps, content, err := p.decodeInboundPayload(params)
	if err != nil {
		return p.finalizeReturnException(ctx, answerID, err)
	}

	call := Call{
		Ctx:         cctx,
		InterfaceID: c.InterfaceID(),
		MethodID:    c.MethodID(),
		ParamCaps:   caps,
	}
	if s, ok := content.Struct(); ok {
		call.Params = s
	}
	h.HandleCall(call, func(build BuildResultsFunc, herr error) {
		p.releaseInboundCaps(ctx, caps)
		if herr != nil {
			p.finalizeReturnException(ctx, answerID, herr)
			return
		}
		p.sendReturnResults(ctx, answerID, build)
	})
	return nil
}

// releaseInboundCaps drops every non-retained import in caps and tells
// the remote to drop the corresponding export for each one that hit zero
// (spec §4.7.2 "for results, release unretained inbound caps after the
// callback returns"; §3 Invariant 1).
func (p *Peer) releaseInboundCaps(ctx context.Context, caps *captable.InboundCapTable) {
	if caps == nil {
		return
	}
	for _, id := range caps.Release() {
		if err := p.SendRelease(ctx, id, 1); err != nil {
			p.reportError(rpcerr.Annotate("dispatch.release_caps", err))
		}
	}
}

// deliverPipelinedCall routes c against one of this peer's own answers
// named by pa (spec §4.8.1): served immediately if that answer already
// resolved, queued in pendingPromises otherwise.
func (p *Peer) deliverPipelinedCall(ctx context.Context, answerID captable.AnswerID, pa PromisedAnswerDesc, c *CallMessage, params Payload) error {
	targetID := captable.AnswerID(pa.QuestionID())
	p.mu.Lock()
	ra, resolved := p.resolvedAnswers[targetID]
	if !resolved {
		p.pendingPromises[targetID] = append(p.pendingPromises[targetID], &pendingPromiseCall{answerID: answerID, call: c, params: params})
		_, err := p.newAnswer(answerID, nil)
		p.mu.Unlock()
		if err != nil {
			return rpcerr.Annotate("dispatch.pipelined_call", err)
		}
		return nil
	}
	_, err := p.newAnswer(answerID, nil)
	p.mu.Unlock()
	if err != nil {
		return rpcerr.Annotate("dispatch.pipelined_call", err)
	}
	return p.routeResolvedCall(ctx, answerID, ra, pa, c, params)
}

// routeResolvedCall resolves pa's ops against a finished own-answer's
// content and, if the resulting pointer names a senderHosted capability
// this peer itself exported, redirects c to that export exactly like an
// ordinary imported-cap call. A target that isn't a locally hosted
// capability (a struct field, or a capability this peer only imported
// and re-exposed) is outside the generic-client scope this runtime
// implements (see DESIGN.md).
func (p *Peer) routeResolvedCall(ctx context.Context, answerID captable.AnswerID, ra *resolvedAnswer, pa PromisedAnswerDesc, c *CallMessage, params Payload) error {
	if ra.isException {
		return p.finalizeReturnException(ctx, answerID, rpcerr.Errorf(rpcerr.KindPromiseBroken, "dispatch.route_resolved", "%s", ra.excReason))
	}
	ops, err := pa.Ops()
	if err != nil {
		return p.finalizeReturnException(ctx, answerID, err)
	}
	target, err := resolveOpsPtr(ra.content, ops)
	if err != nil {
		return p.finalizeReturnException(ctx, answerID, err)
	}
	idx, ok := target.InterfaceIndex()
	if !ok {
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindUnknownReceiverAns, "dispatch.route_resolved", "pipelined path does not name a capability"))
	}
	if int(idx) >= len(ra.msg.CapTable) {
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindCapIndexOutOfRange, "dispatch.route_resolved", "pipelined capability index out of range"))
	}
	ref, ok := ra.msg.CapTable[idx].(CapRef)
	if !ok || ref.kind != capRefExportID {
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindCapUnavailable, "dispatch.route_resolved", "pipelined target is not a locally hosted capability"))
	}
	return p.deliverToExport(ctx, ctx, answerID, ref.exportID, c, params)
}

// resolveOpsPtr walks a GetPointerField path from content (spec §3
// "receiver-answer cap"); a Noop step is a no-op by construction.
func resolveOpsPtr(content message.Ptr, ops []captable.PipelineOp) (message.Ptr, error) {
	cur := content
	for _, op := range ops {
		if op.Kind != captable.OpGetPointerField {
			continue
		}
		s, ok := cur.Struct()
		if !ok {
			return message.Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "pipeline.resolve_ops", "pipeline op requires a struct pointer")
		}
		next, err := s.Pointer(int(op.Field))
		if err != nil {
			return message.Ptr{}, err
		}
		cur = next
	}
	return cur, nil
}

// flushPendingPromises replays every Call queued against answerID once
// its Return has gone out (spec §4.8.1).
func (p *Peer) flushPendingPromises(ctx context.Context, answerID captable.AnswerID) {
	p.mu.Lock()
	pending := p.pendingPromises[answerID]
	delete(p.pendingPromises, answerID)
	ra := p.resolvedAnswers[answerID]
	p.mu.Unlock()
	if ra == nil {
		return
	}
	for _, pc := range pending {
		target, err := pc.call.Target()
		if err != nil {
			continue
		}
		pa, err := target.PromisedAnswer()
		if err != nil {
			continue
		}
		p.routeResolvedCall(ctx, pc.answerID, ra, pa, pc.call, pc.params)
	}
}

// --- Return ---

func (p *Peer) handleReturn(ctx context.Context, r *ReturnMessage) error {
	qid := captable.QuestionID(r.AnswerID())
	p.mu.Lock()
	q, ok := p.questions[qid]
	suppressed := false
	if ok {
		suppressed = q.suppressAutoFinish || q.loopback
	}
	p.mu.Unlock()
	if !ok {
		if captable.IsThirdPartyAdopted(captable.AnswerID(qid)) {
			p.mu.Lock()
			p.pendingThirdPartyReturns[captable.AnswerID(qid)] = r
			p.mu.Unlock()
		}
		return nil
	}

	var caps *captable.InboundCapTable
	switch r.Which() {
	case ReturnResults:
		results, err := r.Results()
		if err == nil {
			caps, _, err = p.decodeInboundPayload(results)
			if err != nil {
				p.reportError(rpcerr.Annotate("dispatch.return", err))
			}
		}
	case ReturnException:
		// Nothing further to decode; the exception rides in r itself and
		// q.onReturn below is expected to call r.Exception().
	case ReturnAwaitFromThirdParty:
		key, err := r.CompletionKey()
		if err == nil {
			if err := p.registerThirdPartyAwait(ctx, string(key), qid); err != nil {
				p.reportError(rpcerr.Annotate("dispatch.return", err))
			}
		}
	case ReturnTakeFromOtherQuestion:
		// Handled by the caller's own bookkeeping; nothing further to do
		// at the dispatch layer beyond invoking onReturn below.
	}

	if q.onReturn != nil {
		q.onReturn(r, caps)
	}
	p.releaseInboundCaps(ctx, caps)

	if r.ReleaseParamCaps() {
		p.mu.Lock()
		paramCaps := q.paramCaps
		for _, id := range paramCaps {
			p.releaseExport(id, 1)
		}
		p.mu.Unlock()
	}

	if suppressed {
		return nil
	}
	// releaseResultCaps=false: unretained result caps were already
	// released one by one above, and retained ones stay imported.
	fin, err := NewFinishMessage(uint32(qid), false, false)
	if err != nil {
		return rpcerr.Annotate("dispatch.return", err)
	}
	p.mu.Lock()
	delete(p.questions, qid)
	p.mu.Unlock()
	return p.send(ctx, fin.Msg)
}

// --- Finish ---

func (p *Peer) handleFinish(ctx context.Context, f *FinishMessage) error {
	id := captable.AnswerID(f.QuestionID())
	p.finishAnswer(ctx, id, f.ReleaseResultCaps(), f.RequireEarlyCancellation())
	p.finishThreeParty(id)
	return nil
}

// finishThreeParty clears the Provide/Accept/Join bookkeeping a Finish
// for id touches (spec §4.7 "finish" row). A provide whose answer is
// finished while accepts are still parked against it leaves those
// accepts to fail with "unknown provision" once released, rather than
// being dropped here: the accept side owns when that happens (spec
// §4.8.3).
func (p *Peer) finishThreeParty(id captable.AnswerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.providesByQuestion[id]; ok {
		ps.vanished = true
		delete(p.providesByQuestion, id)
		delete(p.provideByRecipient, ps.recipient)
	}
	if key, ok := p.pendingAcceptEmbargoByQuestion[id]; ok {
		delete(p.pendingAcceptEmbargoByQuestion, id)
		parked := p.pendingAcceptsByEmbargo[key]
		for i, pa := range parked {
			if pa.answerID == id {
				p.pendingAcceptsByEmbargo[key] = append(parked[:i], parked[i+1:]...)
				break
			}
		}
		if len(p.pendingAcceptsByEmbargo[key]) == 0 {
			delete(p.pendingAcceptsByEmbargo, key)
		}
	}
	delete(p.pendingJoinQuestions, id)
}

// --- Release ---

func (p *Peer) handleRelease(ctx context.Context, rel *ReleaseMessage) error {
	p.mu.Lock()
	p.releaseExport(captable.ExportID(rel.ID()), rel.Count())
	p.mu.Unlock()
	return nil
}

// --- Resolve ---

// handleResolve processes a Resolve for one of this peer's own
// sender-promise imports (spec §4.7 "resolve"). A resolution to a
// concrete import replaces resolved_imports directly; a resolution to
// an exported or promised cap instead requires an embargo round-trip so
// that any calls already pipelined "the long way" (through the original
// promise host) drain before direct calls to the resolved cap are
// allowed to overtake them (spec §4.8.2).
func (p *Peer) handleResolve(ctx context.Context, r *ResolveMessage) error {
	promiseID := captable.ImportID(r.PromiseID())
	switch r.Which() {
	case ResolveCap:
		cd, err := r.Cap()
		if err != nil {
			return rpcerr.Annotate("dispatch.resolve", err)
		}
		desc, err := cd.ToDescriptor()
		if err != nil {
			return rpcerr.Annotate("dispatch.resolve", err)
		}
		p.mu.Lock()
		ict, err := captable.BuildInboundCapTable(p.capTable, []captable.Descriptor{desc})
		if err != nil {
			p.mu.Unlock()
			return rpcerr.Annotate("dispatch.resolve", err)
		}
		resolved, _ := ict.At(0)
		ri, known := p.resolvedImports[promiseID]
		if !known {
			ict.Release()
			p.mu.Unlock()
			p.record("resolve", "unknown promise id, ref released", nil)
			return nil
		}
		ict.RetainIndex(0)
		ri.resolved = resolved
		needsEmbargo := resolved.Kind != captable.ResolvedImported
		p.mu.Unlock()
		if !needsEmbargo {
			p.record("resolve", "resolved to concrete import, no embargo needed", nil)
			return nil
		}
		return p.sendSenderLoopback(ctx, promiseID, ri)
	case ResolveException:
		p.mu.Lock()
		if ri, ok := p.resolvedImports[promiseID]; ok {
			ri.broken = true
		}
		p.mu.Unlock()
		p.record("resolve", "promise broken", nil)
		return nil
	default:
		return nil
	}
}

// sendSenderLoopback allocates an embargo for a just-resolved promise and
// emits the senderLoopback Disembargo that starts the ordering handshake
// (spec §4.8.2, Testable Property 6).
func (p *Peer) sendSenderLoopback(ctx context.Context, promiseID captable.ImportID, ri *resolvedImportState) error {
	p.mu.Lock()
	id, err := p.nextEmbargoID.alloc(func(id uint32) bool {
		_, occupied := p.pendingEmbargoes[captable.EmbargoID(id)]
		return occupied
	})
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("dispatch.resolve", err)
	}
	eid := captable.EmbargoID(id)
	p.pendingEmbargoes[eid] = &embargo{promiseID: promiseID, ready: make(chan struct{})}
	ri.embargoed = true
	p.mu.Unlock()

	d, err := newDisembargoMessage(DisembargoSenderLoopback, uint32(eid))
	if err != nil {
		return rpcerr.Annotate("dispatch.resolve", err)
	}
	target, err := NewImportedCapTarget(d.s.Segment(), uint32(promiseID))
	if err != nil {
		return rpcerr.Annotate("dispatch.resolve", err)
	}
	if err := d.s.SetPointer(0, target.ToPtr()); err != nil {
		return rpcerr.Annotate("dispatch.resolve", err)
	}
	return p.send(ctx, d.Msg)
}

// --- Abort / Unimplemented ---

func (p *Peer) handleAbort(a *AbortMessage) error {
	exc, err := a.Exception()
	reason := ""
	if err == nil {
		reason, _ = exc.Reason()
	}
	p.mu.Lock()
	p.lastRemoteAbortReason = reason
	p.mu.Unlock()
	p.record("abort", reason, nil)
	return nil
}

func (p *Peer) handleUnimplemented(u *UnimplementedMessage) error {
	tag, _, err := u.Original()
	if err != nil {
		return rpcerr.Annotate("dispatch.unimplemented", err)
	}
	p.record("unimplemented", tag.String(), nil)
	return nil
}
