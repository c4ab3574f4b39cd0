package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/rpc/captable"
)

// handleThirdPartyAnswer processes a ThirdPartyAnswer frame: a third
// party telling us the Return for one of our outstanding questions will
// arrive under a new answer id it assigns, correlated by completionKey
// (spec §4.8.5, scenario S6). The id must match the third-party-adopted
// bit pattern (Testable Property 7).
func (p *Peer) handleThirdPartyAnswer(ctx context.Context, msg *ThirdPartyAnswerMessage) error {
	newID := msg.AnswerID()
	if !captable.IsThirdPartyAdopted(captable.AnswerID(newID)) {
		return p.abortf(ctx, 2, "invalid thirdPartyAnswer answerId %d", newID)
	}
	key, err := msg.CompletionKey()
	if err != nil {
		return rpcerr.Annotate("dispatch.third_party_answer", err)
	}
	return p.adoptThirdParty(ctx, string(key), captable.AnswerID(newID))
}

// registerThirdPartyAwait is called from handleReturn's
// ReturnAwaitFromThirdParty case: our question oldQID's real answer
// will arrive from elsewhere, identified by completionKey. If the
// ThirdPartyAnswer naming that key already arrived, adopt immediately;
// otherwise remember oldQID until it does.
func (p *Peer) registerThirdPartyAwait(ctx context.Context, completionKey string, oldQID captable.QuestionID) error {
	p.mu.Lock()
	if newID, ready := p.pendingThirdPartyAnswers[completionKey]; ready {
		delete(p.pendingThirdPartyAnswers, completionKey)
		p.mu.Unlock()
		return p.adoptThirdPartyQuestion(ctx, oldQID, newID)
	}
	if _, dup := p.pendingThirdPartyAwaits[completionKey]; dup {
		p.mu.Unlock()
		return rpcerr.Errorf(rpcerr.KindDupThirdPartyAwait, "dispatch.third_party_answer", "completion key %x already awaited", completionKey)
	}
	p.pendingThirdPartyAwaits[completionKey] = oldQID
	p.mu.Unlock()
	return nil
}

// adoptThirdParty handles an inbound ThirdPartyAnswer: if a question is
// already waiting on completionKey, adopt it now; otherwise remember
// newAnswerID for when registerThirdPartyAwait arrives.
func (p *Peer) adoptThirdParty(ctx context.Context, completionKey string, newAnswerID captable.AnswerID) error {
	p.mu.Lock()
	oldQID, ready := p.pendingThirdPartyAwaits[completionKey]
	if !ready {
		if _, dup := p.pendingThirdPartyAnswers[completionKey]; dup {
			p.mu.Unlock()
			return rpcerr.Errorf(rpcerr.KindConflictingThirdParty, "dispatch.third_party_answer", "completion key %x already has a pending answer", completionKey)
		}
		p.pendingThirdPartyAnswers[completionKey] = newAnswerID
		p.mu.Unlock()
		return nil
	}
	delete(p.pendingThirdPartyAwaits, completionKey)
	p.mu.Unlock()
	return p.adoptThirdPartyQuestion(ctx, oldQID, newAnswerID)
}

// adoptThirdPartyQuestion re-keys the question at oldQID to live under
// newAnswerID's numeric value, the id future Return frames will carry
// (spec's worked example: question 55 re-keyed to 0x4000_0022).
// adopted_third_party_answers records the reverse mapping so the
// original id the caller issued the question under remains
// discoverable even though the table entry itself has moved. If a
// Return already arrived under newAnswerID and was buffered, it is
// replayed immediately.
func (p *Peer) adoptThirdPartyQuestion(ctx context.Context, oldQID captable.QuestionID, newAnswerID captable.AnswerID) error {
	newQID := captable.QuestionID(newAnswerID)
	p.mu.Lock()
	q, ok := p.questions[oldQID]
	if !ok {
		p.mu.Unlock()
		return rpcerr.Errorf(rpcerr.KindUnknownQuestion, "dispatch.third_party_answer", "no question %d to adopt", oldQID)
	}
	delete(p.questions, oldQID)
	p.questions[newQID] = q
	p.adoptedThirdPartyAnswers[newAnswerID] = captable.AnswerID(oldQID)
	buffered, hasBuffered := p.pendingThirdPartyReturns[newAnswerID]
	if hasBuffered {
		delete(p.pendingThirdPartyReturns, newAnswerID)
	}
	p.mu.Unlock()

	if hasBuffered {
		return p.handleReturn(ctx, buffered)
	}
	return nil
}
