package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/rpc/captable"
)

// handleJoin accumulates one part of a multi-part Join and, once every
// part named by part_count has arrived, returns the same capability to
// every queued part's question (spec §4.8.4, scenario S5). A violation
// on one part (duplicate part number, missing part-0 target) produces
// an exception for that part alone and never blocks the others.
//
// Only part 0's target is resolved to a capability. The remaining parts
// exist to let a capability reachable over several network paths
// rendezvous before any of them is used; this two-party runtime has
// only one path; see DESIGN.md.
func (p *Peer) handleJoin(ctx context.Context, j *JoinMessage) error {
	answerID := captable.AnswerID(j.QuestionID())
	keyPart, err := j.KeyPart()
	if err != nil {
		return rpcerr.Annotate("dispatch.join", err)
	}
	target, terr := j.Target()

	p.mu.Lock()
	if _, err := p.newAnswer(answerID, nil); err != nil {
		p.mu.Unlock()
		return rpcerr.Annotate("dispatch.join", err)
	}
	key := keyPart.Key()
	js, ok := p.joinStates[key]
	if !ok {
		js = &joinState{parts: make(map[uint16]captable.AnswerID), partCount: keyPart.PartCount}
		p.joinStates[key] = js
	}
	if _, dup := js.parts[keyPart.PartNum]; dup {
		p.mu.Unlock()
		return p.finalizeReturnException(ctx, answerID, rpcerr.Errorf(rpcerr.KindDupJoinQuestion, "dispatch.join", "duplicate join part %d for join %d", keyPart.PartNum, keyPart.JoinID))
	}
	js.parts[keyPart.PartNum] = answerID
	p.pendingJoinQuestions[answerID] = keyPart

	var partErr error
	if keyPart.PartNum == 0 {
		if terr != nil {
			partErr = rpcerr.Annotate("dispatch.join", terr)
		} else if target.Which() != TargetImportedCap {
			partErr = rpcerr.New(rpcerr.KindMissingCallTarget, "dispatch.join", "join part 0 must target an imported cap")
		} else {
			js.handler, partErr = p.exportHandlerLocked(captable.ExportID(target.ImportedCap()))
		}
	}

	complete := js.partCount > 0 && uint16(len(js.parts)) >= js.partCount
	var queued []captable.AnswerID
	if complete {
		for _, id := range js.parts {
			queued = append(queued, id)
			delete(p.pendingJoinQuestions, id)
		}
		delete(p.joinStates, key)
	}
	handler := js.handler
	p.mu.Unlock()

	if partErr != nil {
		return p.finalizeReturnException(ctx, answerID, partErr)
	}
	if !complete {
		return nil
	}
	if handler == nil {
		for _, id := range queued {
			p.finalizeReturnException(ctx, id, rpcerr.New(rpcerr.KindCapUnavailable, "dispatch.join", "join part 0 never named a usable capability"))
		}
		return nil
	}
	for _, id := range queued {
		if err := p.sendReturnCapability(ctx, id, handler); err != nil {
			p.reportError(rpcerr.Annotate("dispatch.join", err))
		}
	}
	return nil
}
