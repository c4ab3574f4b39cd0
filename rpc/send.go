package rpc

import (
	"context"

	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
	"github.com/vatwire/capnp/rpc/netparams"
)

// BuildCallParamsFunc lets a caller place a Call's parameters directly
// into the outbound message's own segment, the same pattern
// BuildResultsFunc uses for Returns (grounded on bobg's AllocResults).
type BuildCallParamsFunc func(seg *message.Segment) (message.Struct, error)

// allocQuestion reserves the next free QuestionID and registers onReturn
// against it.
func (p *Peer) allocQuestion(onReturn OnReturnFunc) (captable.QuestionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.nextQuestionID.alloc(func(id uint32) bool {
		_, occ := p.questions[captable.QuestionID(id)]
		return occ
	})
	if err != nil {
		return 0, rpcerr.Annotate("peer.alloc_question", err)
	}
	qid := captable.QuestionID(id)
	p.questions[qid] = &question{id: qid, onReturn: onReturn}
	return qid, nil
}

func (p *Peer) dropQuestion(qid captable.QuestionID) {
	p.mu.Lock()
	delete(p.questions, qid)
	p.mu.Unlock()
}

// scratchSegment allocates a throwaway single-segment message, useful
// for building a MessageTarget or similar pointer-free structure that a
// Peer method will clone into its own envelope (spec §4.3).
func scratchSegment() (*message.Segment, error) {
	_, seg, err := message.NewMessage(message.SingleSegment(nil), message.Size{})
	if err != nil {
		return nil, rpcerr.Annotate("peer.scratch_segment", err)
	}
	return seg, nil
}

// SendBootstrap asks the remote for its bootstrap capability (spec §6
// public API, §4.7.2 "bootstrap").
func (p *Peer) SendBootstrap(ctx context.Context, onReturn OnReturnFunc) (captable.QuestionID, error) {
	qid, err := p.allocQuestion(onReturn)
	if err != nil {
		return 0, err
	}
	b, err := NewBootstrapMessage(uint32(qid))
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_bootstrap", err)
	}
	if err := p.send(ctx, b.Msg); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	return qid, nil
}

// SendCall issues a Call against capID, a capability this peer imported
// from the remote (spec §4.7.2 "call"). Parameters are built directly in
// the Call's own segment via build, so any CapRef values the caller
// places via message.NewInterfacePtr(msg.AddCap(ref)) are encoded
// without the cross-arena cloning NewCallMessage's convenience form
// cannot safely do for capability-bearing content (see DESIGN.md).
func (p *Peer) SendCall(ctx context.Context, capID captable.ImportID, interfaceID uint64, methodID uint16, build BuildCallParamsFunc, onReturn OnReturnFunc) (captable.QuestionID, error) {
	qid, err := p.allocQuestion(onReturn)
	if err != nil {
		return 0, err
	}
	m, env, err := newEnvelope(TagCall)
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_call", err)
	}
	seg := env.Segment()
	content, err := build(seg)
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_call", err)
	}
	payload, used, err := p.encodeOutboundPayload(seg, content.ToPtr())
	if err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	callStruct, err := allocVariant(env, sizeCall)
	if err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	if err := callStruct.SetUint32(0, uint32(qid)); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	if err := callStruct.SetUint64(8, interfaceID); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	if err := callStruct.SetUint16(16, methodID); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	target, err := NewImportedCapTarget(seg, uint32(capID))
	if err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	if err := callStruct.SetPointer(0, target.ToPtr()); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	if err := callStruct.SetPointer(1, payload.ToPtr()); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}

	p.mu.Lock()
	if q, ok := p.questions[qid]; ok {
		q.interfaceID = interfaceID
		q.methodID = methodID
		q.paramCaps = used
	}
	p.mu.Unlock()

	if err := p.send(ctx, m); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	return qid, nil
}

// SendProvide offers exportID to whoever later connects and sends an
// Accept naming recipient (spec §4.8.3). The Provide's Return does not
// trigger an automatic Finish, so the provide stays registered with the
// host.
func (p *Peer) SendProvide(ctx context.Context, exportID captable.ExportID, recipient netparams.RecipientKey, onReturn OnReturnFunc) (captable.QuestionID, error) {
	qid, err := p.allocQuestion(onReturn)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.questions[qid].suppressAutoFinish = true
	p.mu.Unlock()
	seg, err := scratchSegment()
	if err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_provide", err)
	}
	msg, err := NewProvideMessage(uint32(qid), target, recipient)
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_provide", err)
	}
	if err := p.send(ctx, msg.Msg); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	return qid, nil
}

// SendAccept completes a three-party handoff by presenting provision (a
// recipient key received out-of-band from the provider) to the capability
// host. embargoKey is nil unless the caller must preserve e-order with
// calls already pipelined through the provider (spec §4.8.3).
func (p *Peer) SendAccept(ctx context.Context, provision netparams.RecipientKey, embargoKey []byte, onReturn OnReturnFunc) (captable.QuestionID, error) {
	qid, err := p.allocQuestion(onReturn)
	if err != nil {
		return 0, err
	}
	msg, err := NewAcceptMessage(uint32(qid), provision, embargoKey)
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_accept", err)
	}
	if err := p.send(ctx, msg.Msg); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	return qid, nil
}

// SendJoin sends one part of a multi-part Join against exportID (spec
// §4.8.4).
func (p *Peer) SendJoin(ctx context.Context, exportID captable.ExportID, keyPart netparams.JoinKeyPart, onReturn OnReturnFunc) (captable.QuestionID, error) {
	qid, err := p.allocQuestion(onReturn)
	if err != nil {
		return 0, err
	}
	seg, err := scratchSegment()
	if err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_join", err)
	}
	msg, err := NewJoinMessage(uint32(qid), target, keyPart)
	if err != nil {
		p.dropQuestion(qid)
		return 0, rpcerr.Annotate("peer.send_join", err)
	}
	if err := p.send(ctx, msg.Msg); err != nil {
		p.dropQuestion(qid)
		return 0, err
	}
	return qid, nil
}

// SendDisembargoAccept releases every Accept the remote has parked under
// embargoKey (spec §4.8.3's accept-disembargo leg, sent by whichever
// peer originally supplied the embargo key to the accepting party).
func (p *Peer) SendDisembargoAccept(ctx context.Context, exportID captable.ExportID, embargoKey []byte) error {
	seg, err := scratchSegment()
	if err != nil {
		return err
	}
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	if err != nil {
		return rpcerr.Annotate("peer.send_disembargo_accept", err)
	}
	msg, err := NewDisembargoAcceptMessage(target, embargoKey)
	if err != nil {
		return rpcerr.Annotate("peer.send_disembargo_accept", err)
	}
	return p.send(ctx, msg.Msg)
}

// SendRelease drops n references to importID, the counterpart of a
// Release this peer would receive for its own exports (spec §4.7.2
// "release").
func (p *Peer) SendRelease(ctx context.Context, importID captable.ImportID, count uint32) error {
	msg, err := NewReleaseMessage(uint32(importID), count)
	if err != nil {
		return rpcerr.Annotate("peer.send_release", err)
	}
	return p.send(ctx, msg.Msg)
}
