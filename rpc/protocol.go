package rpc

import (
	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// This file defines the struct layouts the protocol codec (spec §4.3)
// reads and builds. Cap'n Proto's rpc.capnp schema is fixed by the wider
// ecosystem; since schema compilation is explicitly out of scope here
// (spec §1 Non-goals), these layouts are this module's own — internally
// consistent, built on the message package's struct/list/pointer
// primitives, but not byte-for-byte identical to the canonical
// rpc.capnp. Every field spec.md names is represented.

// sizeMessageTarget, sizePayload, etc. are the ObjectSizes used when
// allocating each struct kind.
var (
	sizePromisedAnswerDesc = message.Size{DataWords: 1, PtrWords: 1}
	sizeMessageTarget      = message.Size{DataWords: 1, PtrWords: 1}
	sizePayload            = message.Size{PtrWords: 2}
	sizeCapDescriptor      = message.Size{DataWords: 1, PtrWords: 1}
	sizeException          = message.Size{DataWords: 1, PtrWords: 1}
)

// PromisedAnswerDesc names a path (question id + transform ops) into a
// not-yet-returned answer. It backs both MessageTarget.PromisedAnswer
// and CapDescriptor.ReceiverAnswer (spec §3 receiver-answer cap, §4.7.2).
type PromisedAnswerDesc struct{ s message.Struct }

func NewPromisedAnswerDesc(seg *message.Segment, questionID uint32, ops []captable.PipelineOp) (PromisedAnswerDesc, error) {
	s, err := message.NewStruct(seg, sizePromisedAnswerDesc)
	if err != nil {
		return PromisedAnswerDesc{}, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return PromisedAnswerDesc{}, err
	}
	opsList, err := message.NewCompositeList(seg, message.Size{DataWords: 1}, len(ops))
	if err != nil {
		return PromisedAnswerDesc{}, err
	}
	for i, op := range ops {
		e, err := opsList.Struct(i)
		if err != nil {
			return PromisedAnswerDesc{}, err
		}
		kind := uint16(0)
		if op.Kind == captable.OpGetPointerField {
			kind = 1
		}
		if err := e.SetUint16(0, kind); err != nil {
			return PromisedAnswerDesc{}, err
		}
		if err := e.SetUint16(2, op.Field); err != nil {
			return PromisedAnswerDesc{}, err
		}
	}
	if err := s.SetPointer(0, opsList.ToPtr()); err != nil {
		return PromisedAnswerDesc{}, err
	}
	return PromisedAnswerDesc{s: s}, nil
}

func AsPromisedAnswerDesc(s message.Struct) PromisedAnswerDesc { return PromisedAnswerDesc{s: s} }

func (p PromisedAnswerDesc) QuestionID() uint32 { return p.s.Uint32(0) }

func (p PromisedAnswerDesc) Ops() ([]captable.PipelineOp, error) {
	ptr, err := p.s.Pointer(0)
	if err != nil {
		return nil, err
	}
	if !ptr.IsValid() {
		return nil, nil
	}
	l, ok := ptr.List()
	if !ok {
		return nil, rpcerr.New(rpcerr.KindInvalidPointer, "promised_answer.ops", "ops field is not a list")
	}
	out := make([]captable.PipelineOp, l.Len())
	for i := range out {
		e, err := l.Struct(i)
		if err != nil {
			return nil, err
		}
		kind := captable.OpNoop
		if e.Uint16(0) == 1 {
			kind = captable.OpGetPointerField
		}
		out[i] = captable.PipelineOp{Kind: kind, Field: e.Uint16(2)}
	}
	return out, nil
}

func (p PromisedAnswerDesc) ToPtr() message.Ptr { return message.StructPtr(p.s) }

// MessageTarget discriminates a Call/Disembargo/Provide/Join's target:
// an imported capability or a path into a pending answer.
type MessageTarget struct{ s message.Struct }

func NewImportedCapTarget(seg *message.Segment, exportID uint32) (MessageTarget, error) {
	s, err := message.NewStruct(seg, sizeMessageTarget)
	if err != nil {
		return MessageTarget{}, err
	}
	if err := s.SetUint16(0, uint16(TargetImportedCap)); err != nil {
		return MessageTarget{}, err
	}
	if err := s.SetUint32(4, exportID); err != nil {
		return MessageTarget{}, err
	}
	return MessageTarget{s: s}, nil
}

func NewPromisedAnswerTarget(seg *message.Segment, questionID uint32, ops []captable.PipelineOp) (MessageTarget, error) {
	s, err := message.NewStruct(seg, sizeMessageTarget)
	if err != nil {
		return MessageTarget{}, err
	}
	if err := s.SetUint16(0, uint16(TargetPromisedAnswer)); err != nil {
		return MessageTarget{}, err
	}
	pa, err := NewPromisedAnswerDesc(seg, questionID, ops)
	if err != nil {
		return MessageTarget{}, err
	}
	if err := s.SetPointer(0, pa.ToPtr()); err != nil {
		return MessageTarget{}, err
	}
	return MessageTarget{s: s}, nil
}

func AsMessageTarget(s message.Struct) MessageTarget { return MessageTarget{s: s} }

func (t MessageTarget) Which() MessageTargetKind { return MessageTargetKind(t.s.Uint16(0)) }
func (t MessageTarget) ImportedCap() uint32       { return t.s.Uint32(4) }
func (t MessageTarget) PromisedAnswer() (PromisedAnswerDesc, error) {
	p, err := t.s.Pointer(0)
	if err != nil {
		return PromisedAnswerDesc{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return PromisedAnswerDesc{}, rpcerr.New(rpcerr.KindMissingPromisedAns, "message_target.promised_answer", "target is not a promisedAnswer")
	}
	return AsPromisedAnswerDesc(sub), nil
}
func (t MessageTarget) ToPtr() message.Ptr { return message.StructPtr(t.s) }

// CapDescriptor is one entry of a Payload's cap table (spec §3, §4.4).
type CapDescriptor struct{ s message.Struct }

func newCapDescriptor(seg *message.Segment) (CapDescriptor, error) {
	s, err := message.NewStruct(seg, sizeCapDescriptor)
	if err != nil {
		return CapDescriptor{}, err
	}
	return CapDescriptor{s: s}, nil
}

func NewNoneCapDescriptor(seg *message.Segment) (CapDescriptor, error) {
	d, err := newCapDescriptor(seg)
	if err != nil {
		return CapDescriptor{}, err
	}
	if err := d.s.SetUint16(0, uint16(captable.DescNone)); err != nil {
		return CapDescriptor{}, err
	}
	return d, nil
}

func NewIDCapDescriptor(seg *message.Segment, kind captable.DescriptorKind, id uint32) (CapDescriptor, error) {
	d, err := newCapDescriptor(seg)
	if err != nil {
		return CapDescriptor{}, err
	}
	if err := d.s.SetUint16(0, uint16(kind)); err != nil {
		return CapDescriptor{}, err
	}
	if err := d.s.SetUint32(4, id); err != nil {
		return CapDescriptor{}, err
	}
	return d, nil
}

func NewReceiverAnswerCapDescriptor(seg *message.Segment, questionID uint32, ops []captable.PipelineOp) (CapDescriptor, error) {
	d, err := newCapDescriptor(seg)
	if err != nil {
		return CapDescriptor{}, err
	}
	if err := d.s.SetUint16(0, uint16(captable.DescReceiverAnswer)); err != nil {
		return CapDescriptor{}, err
	}
	pa, err := NewPromisedAnswerDesc(seg, questionID, ops)
	if err != nil {
		return CapDescriptor{}, err
	}
	if err := d.s.SetPointer(0, pa.ToPtr()); err != nil {
		return CapDescriptor{}, err
	}
	return d, nil
}

func AsCapDescriptor(s message.Struct) CapDescriptor { return CapDescriptor{s: s} }

func (d CapDescriptor) Which() captable.DescriptorKind { return captable.DescriptorKind(d.s.Uint16(0)) }
func (d CapDescriptor) ID() uint32                     { return d.s.Uint32(4) }
func (d CapDescriptor) ReceiverAnswer() (PromisedAnswerDesc, error) {
	p, err := d.s.Pointer(0)
	if err != nil {
		return PromisedAnswerDesc{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return PromisedAnswerDesc{}, rpcerr.New(rpcerr.KindMissingPromisedAns, "cap_descriptor.receiver_answer", "descriptor has no receiverAnswer struct")
	}
	return AsPromisedAnswerDesc(sub), nil
}
func (d CapDescriptor) ToPtr() message.Ptr { return message.StructPtr(d.s) }

// ToDescriptor converts the wire CapDescriptor into the captable
// package's transport-agnostic Descriptor value.
func (d CapDescriptor) ToDescriptor() (captable.Descriptor, error) {
	switch d.Which() {
	case captable.DescNone:
		return captable.Descriptor{Kind: captable.DescNone}, nil
	case captable.DescSenderHosted, captable.DescSenderPromise, captable.DescReceiverHosted:
		return captable.Descriptor{Kind: d.Which(), ID: d.ID()}, nil
	case captable.DescThirdPartyHosted:
		return captable.Descriptor{Kind: captable.DescThirdPartyHosted, VineID: d.ID()}, nil
	case captable.DescReceiverAnswer:
		ra, err := d.ReceiverAnswer()
		if err != nil {
			return captable.Descriptor{}, err
		}
		ops, err := ra.Ops()
		if err != nil {
			return captable.Descriptor{}, err
		}
		return captable.Descriptor{Kind: captable.DescReceiverAnswer, ReceiverAnswer: captable.ReceiverAnswer{QuestionID: ra.QuestionID(), Ops: ops}}, nil
	default:
		return captable.Descriptor{}, rpcerr.Errorf(rpcerr.KindInvalidDiscrim, "cap_descriptor.to_descriptor", "unknown descriptor kind %d", d.Which())
	}
}

// Payload carries a call's parameters or a return's results: the
// content pointer plus the cap table that gives its capability pointers
// meaning (spec §3, §4.5/§4.6).
type Payload struct{ s message.Struct }

func NewPayload(seg *message.Segment) (Payload, error) {
	s, err := message.NewStruct(seg, sizePayload)
	if err != nil {
		return Payload{}, err
	}
	return Payload{s: s}, nil
}

func AsPayload(s message.Struct) Payload { return Payload{s: s} }

func (p Payload) Content() (message.Ptr, error) { return p.s.Pointer(0) }
func (p Payload) SetContent(v message.Ptr) error { return p.s.SetPointer(0, v) }

func (p Payload) CapTable() ([]CapDescriptor, error) {
	ptr, err := p.s.Pointer(1)
	if err != nil {
		return nil, err
	}
	if !ptr.IsValid() {
		return nil, nil
	}
	l, ok := ptr.List()
	if !ok {
		return nil, rpcerr.New(rpcerr.KindInvalidPointer, "payload.cap_table", "capTable field is not a list")
	}
	out := make([]CapDescriptor, l.Len())
	for i := range out {
		e, err := l.Struct(i)
		if err != nil {
			return nil, err
		}
		out[i] = AsCapDescriptor(e)
	}
	return out, nil
}

func (p Payload) SetCapTable(seg *message.Segment, descs []CapDescriptor) error {
	l, err := message.NewCompositeList(seg, sizeCapDescriptor, len(descs))
	if err != nil {
		return err
	}
	for i, d := range descs {
		e, err := l.Struct(i)
		if err != nil {
			return err
		}
		copyStructData(e, d.s)
		p, err := d.s.Pointer(0)
		if err != nil {
			return err
		}
		if p.IsValid() {
			cp, err := message.Clone(e.Segment(), p, 64)
			if err != nil {
				return err
			}
			if err := e.SetPointer(0, cp); err != nil {
				return err
			}
		}
	}
	return p.s.SetPointer(1, l.ToPtr())
}

func (p Payload) ToPtr() message.Ptr { return message.StructPtr(p.s) }

func copyStructData(dst, src message.Struct) {
	n := src.Size().DataWords
	if dst.Size().DataWords < n {
		n = dst.Size().DataWords
	}
	for w := 0; w < int(n); w++ {
		dst.SetUint64(w*8, src.Uint64(w*8))
	}
}

// Exception is the type+reason pair carried by Return.exception and
// Abort (spec §7).
type Exception struct{ s message.Struct }

func NewException(seg *message.Segment, kind uint16, reason string) (Exception, error) {
	s, err := message.NewStruct(seg, sizeException)
	if err != nil {
		return Exception{}, err
	}
	if err := s.SetUint16(0, kind); err != nil {
		return Exception{}, err
	}
	if err := s.SetText(0, reason); err != nil {
		return Exception{}, err
	}
	return Exception{s: s}, nil
}

func AsException(s message.Struct) Exception { return Exception{s: s} }

func (e Exception) Type() uint16 { return e.s.Uint16(0) }
func (e Exception) Reason() (string, error) { return e.s.Text(0) }
func (e Exception) ToPtr() message.Ptr      { return message.StructPtr(e.s) }

// newBytesField/readBytesField build/read a plain byte-list pointer,
// used for the opaque recipient/provision/embargo/completion keys that
// travel as netparams-encoded blobs.
func newBytesField(seg *message.Segment, data []byte) (message.Ptr, error) {
	l, err := message.NewByteList(seg, data)
	if err != nil {
		return message.Ptr{}, err
	}
	return l.ToPtr(), nil
}

func readBytesField(p message.Ptr) ([]byte, error) {
	if !p.IsValid() {
		return nil, nil
	}
	l, ok := p.List()
	if !ok || l.ElementSize() != message.SizeByte {
		return nil, rpcerr.New(rpcerr.KindInvalidPointer, "read_bytes_field", "field is not a byte list")
	}
	return append([]byte(nil), l.Bytes()...), nil
}

