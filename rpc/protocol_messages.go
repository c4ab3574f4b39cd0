package rpc

import (
	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/netparams"
)

// envelopeSize is the root struct every outbound message starts with: a
// 16-bit tag discriminant and a single pointer to the tag's payload
// struct (spec §1, §6).
var envelopeSize = message.Size{DataWords: 1, PtrWords: 1}

// newEnvelope starts a fresh single-segment outbound message tagged tag,
// returning the message and its (still payload-less) root struct.
func newEnvelope(tag MessageTag) (*message.Message, message.Struct, error) {
	arena := message.SingleSegment(nil)
	m, _, err := message.NewMessage(arena, envelopeSize)
	if err != nil {
		return nil, message.Struct{}, rpcerr.Annotate("envelope.new", err)
	}
	root, err := m.Root()
	if err != nil {
		return nil, message.Struct{}, rpcerr.Annotate("envelope.new", err)
	}
	s, ok := root.Struct()
	if !ok {
		return nil, message.Struct{}, rpcerr.New(rpcerr.KindInvalidFrame, "envelope.new", "fresh message root is not a struct")
	}
	if err := s.SetUint16(0, uint16(tag)); err != nil {
		return nil, message.Struct{}, err
	}
	return m, s, nil
}

// allocVariant allocates size in env's segment and wires it as env's sole
// pointer field (the tag's payload).
func allocVariant(env message.Struct, size message.Size) (message.Struct, error) {
	v, err := message.NewStruct(env.Segment(), size)
	if err != nil {
		return message.Struct{}, err
	}
	if err := env.SetPointer(0, v.ToPtr()); err != nil {
		return message.Struct{}, err
	}
	return v, nil
}

// DecodeEnvelope reads a decoded message's tag and payload struct. The
// caller switches on the tag and passes the payload to the matching
// As*Message function.
func DecodeEnvelope(m *message.Message) (MessageTag, message.Struct, error) {
	root, err := m.Root()
	if err != nil {
		return 0, message.Struct{}, rpcerr.Annotate("envelope.decode", err)
	}
	s, ok := root.Struct()
	if !ok {
		return 0, message.Struct{}, rpcerr.New(rpcerr.KindInvalidFrame, "envelope.decode", "message root is not a struct")
	}
	tag := MessageTag(s.Uint16(0))
	payload, err := s.Pointer(0)
	if err != nil {
		return 0, message.Struct{}, err
	}
	pstruct, ok := payload.Struct()
	if !ok {
		return 0, message.Struct{}, rpcerr.Errorf(rpcerr.KindInvalidFrame, "envelope.decode", "%s payload is not a struct", tag)
	}
	return tag, pstruct, nil
}

// --- Bootstrap ---

var sizeBootstrap = message.Size{DataWords: 1}

type BootstrapMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewBootstrapMessage(questionID uint32) (*BootstrapMessage, error) {
	m, env, err := newEnvelope(TagBootstrap)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeBootstrap)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	return &BootstrapMessage{Msg: m, s: s}, nil
}

func AsBootstrapMessage(m *message.Message, s message.Struct) *BootstrapMessage {
	return &BootstrapMessage{Msg: m, s: s}
}

func (b *BootstrapMessage) QuestionID() uint32 { return b.s.Uint32(0) }

// --- Call ---

var sizeCall = message.Size{DataWords: 3, PtrWords: 2}

type CallMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewCallMessage(questionID uint32, interfaceID uint64, methodID uint16, target MessageTarget, params Payload) (*CallMessage, error) {
	m, env, err := newEnvelope(TagCall)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeCall)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	if err := s.SetUint64(8, interfaceID); err != nil {
		return nil, err
	}
	if err := s.SetUint16(16, methodID); err != nil {
		return nil, err
	}
	// target and params may have been built against a different message's
	// arena than this call's own envelope; clone them in rather than wire
	// a cross-message pointer (spec §4.3 "deep-clone that faithfully
	// reproduces").
	tp, err := message.Clone(s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	pp, err := message.Clone(s.Segment(), params.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(1, pp); err != nil {
		return nil, err
	}
	return &CallMessage{Msg: m, s: s}, nil
}

func AsCallMessage(m *message.Message, s message.Struct) *CallMessage { return &CallMessage{Msg: m, s: s} }

func (c *CallMessage) QuestionID() uint32  { return c.s.Uint32(0) }
func (c *CallMessage) InterfaceID() uint64 { return c.s.Uint64(8) }
func (c *CallMessage) MethodID() uint16    { return c.s.Uint16(16) }
func (c *CallMessage) Target() (MessageTarget, error) {
	p, err := c.s.Pointer(0)
	if err != nil {
		return MessageTarget{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return MessageTarget{}, rpcerr.New(rpcerr.KindMissingCallTarget, "call.target", "call has no target")
	}
	return AsMessageTarget(sub), nil
}
func (c *CallMessage) Params() (Payload, error) {
	p, err := c.s.Pointer(1)
	if err != nil {
		return Payload{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return Payload{}, nil
	}
	return AsPayload(sub), nil
}

// --- Return ---

var sizeReturn = message.Size{DataWords: 1, PtrWords: 1}

type ReturnMessage struct {
	Msg *message.Message
	s   message.Struct
}

func newReturnMessage(answerID uint32, kind ReturnKind, releaseParamCaps bool) (*ReturnMessage, error) {
	m, env, err := newEnvelope(TagReturn)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeReturn)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, answerID); err != nil {
		return nil, err
	}
	// releaseParamCaps is wire-inverted: the stored bit is true when the
	// caller does NOT want the param caps released (spec §6).
	if err := s.SetBool(4, 0, !releaseParamCaps); err != nil {
		return nil, err
	}
	if err := s.SetUint16(6, uint16(kind)); err != nil {
		return nil, err
	}
	return &ReturnMessage{Msg: m, s: s}, nil
}

func NewReturnResultsMessage(answerID uint32, releaseParamCaps bool, results Payload) (*ReturnMessage, error) {
	r, err := newReturnMessage(answerID, ReturnResults, releaseParamCaps)
	if err != nil {
		return nil, err
	}
	if err := r.s.SetPointer(0, results.ToPtr()); err != nil {
		return nil, err
	}
	return r, nil
}

func NewReturnExceptionMessage(answerID uint32, releaseParamCaps bool, exc Exception) (*ReturnMessage, error) {
	r, err := newReturnMessage(answerID, ReturnException, releaseParamCaps)
	if err != nil {
		return nil, err
	}
	if err := r.s.SetPointer(0, exc.ToPtr()); err != nil {
		return nil, err
	}
	return r, nil
}

func NewReturnCanceledMessage(answerID uint32, releaseParamCaps bool) (*ReturnMessage, error) {
	return newReturnMessage(answerID, ReturnCanceled, releaseParamCaps)
}

func NewReturnResultsSentElsewhereMessage(answerID uint32) (*ReturnMessage, error) {
	return newReturnMessage(answerID, ReturnResultsSentElsewhere, true)
}

func NewReturnTakeFromOtherQuestionMessage(answerID uint32, otherQuestionID uint32) (*ReturnMessage, error) {
	r, err := newReturnMessage(answerID, ReturnTakeFromOtherQuestion, true)
	if err != nil {
		return nil, err
	}
	if err := r.s.SetUint32(8, otherQuestionID); err != nil {
		return nil, err
	}
	return r, nil
}

func NewReturnAwaitFromThirdPartyMessage(answerID uint32, completionKey []byte) (*ReturnMessage, error) {
	r, err := newReturnMessage(answerID, ReturnAwaitFromThirdParty, true)
	if err != nil {
		return nil, err
	}
	p, err := newBytesField(r.s.Segment(), completionKey)
	if err != nil {
		return nil, err
	}
	if err := r.s.SetPointer(0, p); err != nil {
		return nil, err
	}
	return r, nil
}

func AsReturnMessage(m *message.Message, s message.Struct) *ReturnMessage {
	return &ReturnMessage{Msg: m, s: s}
}

func (r *ReturnMessage) AnswerID() uint32 { return r.s.Uint32(0) }
func (r *ReturnMessage) Which() ReturnKind { return ReturnKind(r.s.Uint16(6)) }
func (r *ReturnMessage) ReleaseParamCaps() bool { return !r.s.Bool(4, 0) }
func (r *ReturnMessage) Results() (Payload, error) {
	p, err := r.s.Pointer(0)
	if err != nil {
		return Payload{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return Payload{}, rpcerr.New(rpcerr.KindMissingCapDesc, "return.results", "return has no results payload")
	}
	return AsPayload(sub), nil
}
func (r *ReturnMessage) Exception() (Exception, error) {
	p, err := r.s.Pointer(0)
	if err != nil {
		return Exception{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return Exception{}, rpcerr.New(rpcerr.KindMissingCapDesc, "return.exception", "return has no exception")
	}
	return AsException(sub), nil
}
func (r *ReturnMessage) OtherQuestionID() uint32 { return r.s.Uint32(8) }
func (r *ReturnMessage) CompletionKey() ([]byte, error) {
	p, err := r.s.Pointer(0)
	if err != nil {
		return nil, err
	}
	return readBytesField(p)
}

// --- Finish ---

var sizeFinish = message.Size{DataWords: 1}

type FinishMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewFinishMessage(questionID uint32, releaseResultCaps, requireEarlyCancellation bool) (*FinishMessage, error) {
	m, env, err := newEnvelope(TagFinish)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeFinish)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	// Both flags are wire-inverted (spec §6).
	if err := s.SetBool(4, 0, !releaseResultCaps); err != nil {
		return nil, err
	}
	if err := s.SetBool(4, 1, !requireEarlyCancellation); err != nil {
		return nil, err
	}
	return &FinishMessage{Msg: m, s: s}, nil
}

func AsFinishMessage(m *message.Message, s message.Struct) *FinishMessage {
	return &FinishMessage{Msg: m, s: s}
}

func (f *FinishMessage) QuestionID() uint32             { return f.s.Uint32(0) }
func (f *FinishMessage) ReleaseResultCaps() bool        { return !f.s.Bool(4, 0) }
func (f *FinishMessage) RequireEarlyCancellation() bool { return !f.s.Bool(4, 1) }

// --- Release ---

var sizeRelease = message.Size{DataWords: 2}

type ReleaseMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewReleaseMessage(id, count uint32) (*ReleaseMessage, error) {
	m, env, err := newEnvelope(TagRelease)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeRelease)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, id); err != nil {
		return nil, err
	}
	if err := s.SetUint32(4, count); err != nil {
		return nil, err
	}
	return &ReleaseMessage{Msg: m, s: s}, nil
}

func AsReleaseMessage(m *message.Message, s message.Struct) *ReleaseMessage {
	return &ReleaseMessage{Msg: m, s: s}
}

func (r *ReleaseMessage) ID() uint32    { return r.s.Uint32(0) }
func (r *ReleaseMessage) Count() uint32 { return r.s.Uint32(4) }

// --- Resolve ---

var sizeResolve = message.Size{DataWords: 1, PtrWords: 1}

type ResolveMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewResolveCapMessage(promiseID uint32, cap CapDescriptor) (*ResolveMessage, error) {
	m, env, err := newEnvelope(TagResolve)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeResolve)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, promiseID); err != nil {
		return nil, err
	}
	if err := s.SetUint16(4, uint16(ResolveCap)); err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, cap.ToPtr()); err != nil {
		return nil, err
	}
	return &ResolveMessage{Msg: m, s: s}, nil
}

func NewResolveExceptionMessage(promiseID uint32, exc Exception) (*ResolveMessage, error) {
	m, env, err := newEnvelope(TagResolve)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeResolve)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, promiseID); err != nil {
		return nil, err
	}
	if err := s.SetUint16(4, uint16(ResolveException)); err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, exc.ToPtr()); err != nil {
		return nil, err
	}
	return &ResolveMessage{Msg: m, s: s}, nil
}

func AsResolveMessage(m *message.Message, s message.Struct) *ResolveMessage {
	return &ResolveMessage{Msg: m, s: s}
}

func (r *ResolveMessage) PromiseID() uint32  { return r.s.Uint32(0) }
func (r *ResolveMessage) Which() ResolveKind { return ResolveKind(r.s.Uint16(4)) }
func (r *ResolveMessage) Cap() (CapDescriptor, error) {
	p, err := r.s.Pointer(0)
	if err != nil {
		return CapDescriptor{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return CapDescriptor{}, rpcerr.New(rpcerr.KindMissingCapDesc, "resolve.cap", "resolve has no cap descriptor")
	}
	return AsCapDescriptor(sub), nil
}
func (r *ResolveMessage) Exception() (Exception, error) {
	p, err := r.s.Pointer(0)
	if err != nil {
		return Exception{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return Exception{}, rpcerr.New(rpcerr.KindMissingCapDesc, "resolve.exception", "resolve has no exception")
	}
	return AsException(sub), nil
}

// --- Disembargo ---

var sizeDisembargo = message.Size{DataWords: 1, PtrWords: 2}

type DisembargoMessage struct {
	Msg *message.Message
	s   message.Struct
}

func newDisembargoMessage(kind DisembargoContextKind, embargoID uint32) (*DisembargoMessage, error) {
	m, env, err := newEnvelope(TagDisembargo)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeDisembargo)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint16(0, uint16(kind)); err != nil {
		return nil, err
	}
	if err := s.SetUint32(4, embargoID); err != nil {
		return nil, err
	}
	return &DisembargoMessage{Msg: m, s: s}, nil
}

func NewDisembargoSenderLoopbackMessage(embargoID uint32, target MessageTarget) (*DisembargoMessage, error) {
	d, err := newDisembargoMessage(DisembargoSenderLoopback, embargoID)
	if err != nil {
		return nil, err
	}
	tp, err := message.Clone(d.s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := d.s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	return d, nil
}

func NewDisembargoReceiverLoopbackMessage(embargoID uint32, target MessageTarget) (*DisembargoMessage, error) {
	d, err := newDisembargoMessage(DisembargoReceiverLoopback, embargoID)
	if err != nil {
		return nil, err
	}
	tp, err := message.Clone(d.s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := d.s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	return d, nil
}

func NewDisembargoAcceptMessage(target MessageTarget, embargoKey []byte) (*DisembargoMessage, error) {
	d, err := newDisembargoMessage(DisembargoAccept, 0)
	if err != nil {
		return nil, err
	}
	tp, err := message.Clone(d.s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := d.s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	p, err := newBytesField(d.s.Segment(), embargoKey)
	if err != nil {
		return nil, err
	}
	if err := d.s.SetPointer(1, p); err != nil {
		return nil, err
	}
	return d, nil
}

func AsDisembargoMessage(m *message.Message, s message.Struct) *DisembargoMessage {
	return &DisembargoMessage{Msg: m, s: s}
}

func (d *DisembargoMessage) Which() DisembargoContextKind { return DisembargoContextKind(d.s.Uint16(0)) }
func (d *DisembargoMessage) EmbargoID() uint32            { return d.s.Uint32(4) }
func (d *DisembargoMessage) Target() (MessageTarget, error) {
	p, err := d.s.Pointer(0)
	if err != nil {
		return MessageTarget{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return MessageTarget{}, rpcerr.New(rpcerr.KindMissingCallTarget, "disembargo.target", "disembargo has no target")
	}
	return AsMessageTarget(sub), nil
}
func (d *DisembargoMessage) EmbargoKey() ([]byte, error) {
	p, err := d.s.Pointer(1)
	if err != nil {
		return nil, err
	}
	return readBytesField(p)
}

// --- Provide ---

var sizeProvide = message.Size{DataWords: 1, PtrWords: 2}

type ProvideMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewProvideMessage(questionID uint32, target MessageTarget, recipient netparams.RecipientKey) (*ProvideMessage, error) {
	m, env, err := newEnvelope(TagProvide)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeProvide)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	tp, err := message.Clone(s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	p, err := newBytesField(s.Segment(), recipient.Bytes())
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(1, p); err != nil {
		return nil, err
	}
	return &ProvideMessage{Msg: m, s: s}, nil
}

func AsProvideMessage(m *message.Message, s message.Struct) *ProvideMessage {
	return &ProvideMessage{Msg: m, s: s}
}

func (p *ProvideMessage) QuestionID() uint32 { return p.s.Uint32(0) }
func (p *ProvideMessage) Target() (MessageTarget, error) {
	ptr, err := p.s.Pointer(0)
	if err != nil {
		return MessageTarget{}, err
	}
	sub, ok := ptr.Struct()
	if !ok {
		return MessageTarget{}, rpcerr.New(rpcerr.KindMissingCallTarget, "provide.target", "provide has no target")
	}
	return AsMessageTarget(sub), nil
}
func (p *ProvideMessage) Recipient() (netparams.RecipientKey, error) {
	ptr, err := p.s.Pointer(1)
	if err != nil {
		return netparams.RecipientKey{}, err
	}
	raw, err := readBytesField(ptr)
	if err != nil {
		return netparams.RecipientKey{}, err
	}
	return netparams.ParseRecipientKey(raw)
}

// --- Accept ---

var sizeAccept = message.Size{DataWords: 1, PtrWords: 2}

type AcceptMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewAcceptMessage(questionID uint32, provision netparams.RecipientKey, embargoKey []byte) (*AcceptMessage, error) {
	m, env, err := newEnvelope(TagAccept)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeAccept)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	if err := s.SetBool(4, 0, len(embargoKey) > 0); err != nil {
		return nil, err
	}
	pp, err := newBytesField(s.Segment(), provision.Bytes())
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, pp); err != nil {
		return nil, err
	}
	if len(embargoKey) > 0 {
		ep, err := newBytesField(s.Segment(), embargoKey)
		if err != nil {
			return nil, err
		}
		if err := s.SetPointer(1, ep); err != nil {
			return nil, err
		}
	}
	return &AcceptMessage{Msg: m, s: s}, nil
}

func AsAcceptMessage(m *message.Message, s message.Struct) *AcceptMessage {
	return &AcceptMessage{Msg: m, s: s}
}

func (a *AcceptMessage) QuestionID() uint32 { return a.s.Uint32(0) }
func (a *AcceptMessage) HasEmbargo() bool   { return a.s.Bool(4, 0) }
func (a *AcceptMessage) Provision() (netparams.RecipientKey, error) {
	p, err := a.s.Pointer(0)
	if err != nil {
		return netparams.RecipientKey{}, err
	}
	raw, err := readBytesField(p)
	if err != nil {
		return netparams.RecipientKey{}, err
	}
	return netparams.ParseRecipientKey(raw)
}
func (a *AcceptMessage) EmbargoKey() ([]byte, error) {
	p, err := a.s.Pointer(1)
	if err != nil {
		return nil, err
	}
	return readBytesField(p)
}

// --- Join ---

var sizeJoin = message.Size{DataWords: 1, PtrWords: 2}

type JoinMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewJoinMessage(questionID uint32, target MessageTarget, keyPart netparams.JoinKeyPart) (*JoinMessage, error) {
	m, env, err := newEnvelope(TagJoin)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeJoin)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, questionID); err != nil {
		return nil, err
	}
	tp, err := message.Clone(s.Segment(), target.ToPtr(), 64)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, tp); err != nil {
		return nil, err
	}
	raw, err := keyPart.Encode()
	if err != nil {
		return nil, rpcerr.Annotate("join.new", err)
	}
	p, err := newBytesField(s.Segment(), raw)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(1, p); err != nil {
		return nil, err
	}
	return &JoinMessage{Msg: m, s: s}, nil
}

func AsJoinMessage(m *message.Message, s message.Struct) *JoinMessage { return &JoinMessage{Msg: m, s: s} }

func (j *JoinMessage) QuestionID() uint32 { return j.s.Uint32(0) }
func (j *JoinMessage) Target() (MessageTarget, error) {
	p, err := j.s.Pointer(0)
	if err != nil {
		return MessageTarget{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return MessageTarget{}, rpcerr.New(rpcerr.KindMissingCallTarget, "join.target", "join has no target")
	}
	return AsMessageTarget(sub), nil
}
func (j *JoinMessage) KeyPart() (netparams.JoinKeyPart, error) {
	p, err := j.s.Pointer(1)
	if err != nil {
		return netparams.JoinKeyPart{}, err
	}
	raw, err := readBytesField(p)
	if err != nil {
		return netparams.JoinKeyPart{}, err
	}
	return netparams.DecodeJoinKeyPart(raw)
}

// --- ThirdPartyAnswer ---

var sizeThirdPartyAnswer = message.Size{DataWords: 1, PtrWords: 1}

type ThirdPartyAnswerMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewThirdPartyAnswerMessage(answerID uint32, completionKey []byte) (*ThirdPartyAnswerMessage, error) {
	m, env, err := newEnvelope(TagThirdPartyAnswer)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeThirdPartyAnswer)
	if err != nil {
		return nil, err
	}
	if err := s.SetUint32(0, answerID); err != nil {
		return nil, err
	}
	p, err := newBytesField(s.Segment(), completionKey)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, p); err != nil {
		return nil, err
	}
	return &ThirdPartyAnswerMessage{Msg: m, s: s}, nil
}

func AsThirdPartyAnswerMessage(m *message.Message, s message.Struct) *ThirdPartyAnswerMessage {
	return &ThirdPartyAnswerMessage{Msg: m, s: s}
}

func (t *ThirdPartyAnswerMessage) AnswerID() uint32 { return t.s.Uint32(0) }
func (t *ThirdPartyAnswerMessage) CompletionKey() ([]byte, error) {
	p, err := t.s.Pointer(0)
	if err != nil {
		return nil, err
	}
	return readBytesField(p)
}

// --- Abort ---

var sizeAbort = message.Size{PtrWords: 1}

type AbortMessage struct {
	Msg *message.Message
	s   message.Struct
}

func NewAbortMessage(kind uint16, reason string) (*AbortMessage, error) {
	m, env, err := newEnvelope(TagAbort)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeAbort)
	if err != nil {
		return nil, err
	}
	exc, err := NewException(s.Segment(), kind, reason)
	if err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, exc.ToPtr()); err != nil {
		return nil, err
	}
	return &AbortMessage{Msg: m, s: s}, nil
}

func AsAbortMessage(m *message.Message, s message.Struct) *AbortMessage { return &AbortMessage{Msg: m, s: s} }

func (a *AbortMessage) Exception() (Exception, error) {
	p, err := a.s.Pointer(0)
	if err != nil {
		return Exception{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return Exception{}, rpcerr.New(rpcerr.KindMissingCapDesc, "abort.exception", "abort has no exception")
	}
	return AsException(sub), nil
}

// --- Unimplemented ---

var sizeUnimplemented = message.Size{PtrWords: 1}

type UnimplementedMessage struct {
	Msg *message.Message
	s   message.Struct
}

// NewUnimplementedMessage echoes the original message's envelope back to
// its sender, deep-cloned into a fresh message (spec §6 "Unimplemented").
func NewUnimplementedMessage(originalTag MessageTag, originalPayload message.Struct) (*UnimplementedMessage, error) {
	m, env, err := newEnvelope(TagUnimplemented)
	if err != nil {
		return nil, err
	}
	s, err := allocVariant(env, sizeUnimplemented)
	if err != nil {
		return nil, err
	}
	echo, err := message.NewStruct(s.Segment(), envelopeSize)
	if err != nil {
		return nil, err
	}
	if err := echo.SetUint16(0, uint16(originalTag)); err != nil {
		return nil, err
	}
	cloned, err := message.Clone(echo.Segment(), message.StructPtr(originalPayload), 64)
	if err != nil {
		return nil, err
	}
	if err := echo.SetPointer(0, cloned); err != nil {
		return nil, err
	}
	if err := s.SetPointer(0, echo.ToPtr()); err != nil {
		return nil, err
	}
	return &UnimplementedMessage{Msg: m, s: s}, nil
}

func AsUnimplementedMessage(m *message.Message, s message.Struct) *UnimplementedMessage {
	return &UnimplementedMessage{Msg: m, s: s}
}

// Original returns the echoed message's tag and payload struct.
func (u *UnimplementedMessage) Original() (MessageTag, message.Struct, error) {
	p, err := u.s.Pointer(0)
	if err != nil {
		return 0, message.Struct{}, err
	}
	sub, ok := p.Struct()
	if !ok {
		return 0, message.Struct{}, rpcerr.New(rpcerr.KindInvalidFrame, "unimplemented.original", "no echoed message")
	}
	tag := MessageTag(sub.Uint16(0))
	payload, err := sub.Pointer(0)
	if err != nil {
		return 0, message.Struct{}, err
	}
	pstruct, ok := payload.Struct()
	if !ok {
		return 0, message.Struct{}, rpcerr.New(rpcerr.KindInvalidFrame, "unimplemented.original", "echoed payload is not a struct")
	}
	return tag, pstruct, nil
}
