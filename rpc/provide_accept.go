package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// handleProvide registers target as a capability this peer will hand
// off to whichever third party later connects and sends an Accept
// naming recipient (spec §4.8.3). Duplicates of either index are fatal.
//
// Provide's own Return acknowledges the registration immediately rather
// than waiting on the eventual Accept: nothing in this runtime's answer
// model needs the two tied together, and decoupling them keeps a
// vanished provide's cleanup (finishThreeParty) independent of whether
// an Accept ever arrives.
func (p *Peer) handleProvide(ctx context.Context, msg *ProvideMessage) error {
	answerID := captable.AnswerID(msg.QuestionID())
	target, err := msg.Target()
	if err != nil {
		return rpcerr.Annotate("dispatch.provide", err)
	}
	recipient, err := msg.Recipient()
	if err != nil {
		return rpcerr.Annotate("dispatch.provide", err)
	}

	p.mu.Lock()
	if _, err := p.newAnswer(answerID, nil); err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("dispatch.provide", err)
	}
	if _, dup := p.providesByQuestion[answerID]; dup {
		p.mu.Unlock()
		return p.abortf(ctx, 2, "duplicate provide for answer %d", answerID)
	}
	if _, dup := p.provideByRecipient[recipient]; dup {
		p.mu.Unlock()
		return p.abortf(ctx, 2, "recipient %s already has a pending provide", recipient)
	}
	var handler Handler
	if target.Which() == TargetImportedCap {
		handler, err = p.exportHandlerLocked(captable.ExportID(target.ImportedCap()))
	} else {
		err = rpcerr.New(rpcerr.KindMissingCallTarget, "dispatch.provide", "provide target must be an imported cap")
	}
	if err != nil {
		p.mu.Unlock()
		return p.finalizeReturnException(ctx, answerID, err)
	}
	ps := &provideState{answerID: answerID, recipient: recipient, handler: handler}
	p.providesByQuestion[answerID] = ps
	p.provideByRecipient[recipient] = ps
	p.mu.Unlock()

	return p.sendReturnResults(ctx, answerID, func(seg *message.Segment) (message.Struct, error) {
		return message.NewStruct(seg, message.Size{})
	})
}

// handleAccept looks up the provide named by provision and either
// returns its capability immediately, or, if the Accept carries an
// embargo, parks it until the matching Disembargo(accept, key) releases
// it (spec §4.8.3).
func (p *Peer) handleAccept(ctx context.Context, msg *AcceptMessage) error {
	answerID := captable.AnswerID(msg.QuestionID())
	provision, err := msg.Provision()
	if err != nil {
		return rpcerr.Annotate("dispatch.accept", err)
	}

	p.mu.Lock()
	if _, err := p.newAnswer(answerID, nil); err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("dispatch.accept", err)
	}
	ps, ok := p.provideByRecipient[provision]
	if !ok {
		p.mu.Unlock()
		return p.finalizeReturnException(ctx, answerID, rpcerr.New(rpcerr.KindUnknownProvision, "dispatch.accept", "unknown provision"))
	}
	if !msg.HasEmbargo() {
		p.mu.Unlock()
		return p.sendReturnCapability(ctx, answerID, ps.handler)
	}
	key, err := msg.EmbargoKey()
	if err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("dispatch.accept", err)
	}
	keyStr := string(key)
	p.pendingAcceptsByEmbargo[keyStr] = append(p.pendingAcceptsByEmbargo[keyStr], &pendingAccept{answerID: answerID, ps: ps})
	p.pendingAcceptEmbargoByQuestion[answerID] = keyStr
	p.mu.Unlock()
	return nil
}

// releaseParkedAccepts drains every Accept parked under key, in the
// order they arrived, satisfied by Disembargo(accept, key) (spec
// §4.8.3). An accept whose provide vanished in the meantime (Finish on
// the provide's answer) fails with "unknown provision" instead of being
// returned a capability.
func (p *Peer) releaseParkedAccepts(ctx context.Context, key string) error {
	p.mu.Lock()
	parked := p.pendingAcceptsByEmbargo[key]
	delete(p.pendingAcceptsByEmbargo, key)
	for _, pa := range parked {
		delete(p.pendingAcceptEmbargoByQuestion, pa.answerID)
	}
	p.mu.Unlock()

	for _, pa := range parked {
		if pa.ps.vanished {
			p.finalizeReturnException(ctx, pa.answerID, rpcerr.New(rpcerr.KindUnknownProvision, "dispatch.accept", "unknown provision"))
			continue
		}
		if err := p.sendReturnCapability(ctx, pa.answerID, pa.ps.handler); err != nil {
			p.reportError(rpcerr.Annotate("dispatch.accept", err))
		}
	}
	return nil
}
