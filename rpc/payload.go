package rpc

import (
	"github.com/vatwire/capnp/internal/rpcerr"
	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// capRefKind discriminates a CapRef, the value an outbound message's
// CapTable holds at the index its interface pointers reference (spec
// §4.5 "classify... into a descriptor list").
type capRefKind uint8

const (
	capRefExportID capRefKind = iota
	capRefImportPassthrough
	capRefReceiverAnswer
)

// CapRef is what a capability pointer in a message this peer is
// building actually means, before it is turned into a wire
// CapDescriptor at send time. Handlers build outbound content with
// message.NewInterfacePtr(msg.AddCap(ref)) for each capability they
// want to place in the payload.
type CapRef struct {
	kind       capRefKind
	exportID   captable.ExportID
	importID   captable.ImportID
	questionID uint32
	ops        []captable.PipelineOp
}

// ExportCap references an id already registered with Peer.AddExport for
// placement in an outbound payload; it will be described senderHosted.
func ExportCap(id captable.ExportID) CapRef { return CapRef{kind: capRefExportID, exportID: id} }

// ImportPassthroughCap re-sends a capability this peer itself imported
// from the remote back to that same remote, which per spec §4.5
// describes as receiverHosted (the remote already hosts it).
func ImportPassthroughCap(id captable.ImportID) CapRef {
	return CapRef{kind: capRefImportPassthrough, importID: id}
}

// ReceiverAnswerCap places a path into one of the *remote's* own
// outstanding answers into the payload (receiverAnswer descriptor).
func ReceiverAnswerCap(questionID uint32, ops []captable.PipelineOp) CapRef {
	return CapRef{kind: capRefReceiverAnswer, questionID: questionID, ops: ops}
}

// encodeOutboundPayload builds a wire Payload for content, whose
// message's CapTable holds one CapRef per capability pointer placed in
// it. Because AddCap assigns indices in append order and the
// descriptor list below is built in the same order, capability
// pointers never need rewriting (spec §4.5's "rewrite pointers to
// indices" collapses to an identity mapping under this invariant).
// The returned export ids are every id a capRefExportID entry touched,
// for the caller to remember as paramCaps/resultCaps.
func (p *Peer) encodeOutboundPayload(seg *message.Segment, content message.Ptr) (Payload, []captable.ExportID, error) {
	payload, err := NewPayload(seg)
	if err != nil {
		return Payload{}, nil, err
	}
	if err := payload.SetContent(content); err != nil {
		return Payload{}, nil, err
	}
	msg := seg.Message()
	descs := make([]CapDescriptor, len(msg.CapTable))
	var used []captable.ExportID
	for i, v := range msg.CapTable {
		ref, ok := v.(CapRef)
		if !ok {
			return Payload{}, nil, rpcerr.New(rpcerr.KindCorruptValue, "payload.encode_outbound", "cap table entry is not a CapRef")
		}
		switch ref.kind {
		case capRefExportID:
			used = append(used, ref.exportID)
			d, err := NewIDCapDescriptor(seg, captable.DescSenderHosted, uint32(ref.exportID))
			if err != nil {
				return Payload{}, nil, err
			}
			descs[i] = d
		case capRefImportPassthrough:
			d, err := NewIDCapDescriptor(seg, captable.DescReceiverHosted, uint32(ref.importID))
			if err != nil {
				return Payload{}, nil, err
			}
			descs[i] = d
		case capRefReceiverAnswer:
			d, err := NewReceiverAnswerCapDescriptor(seg, ref.questionID, ref.ops)
			if err != nil {
				return Payload{}, nil, err
			}
			descs[i] = d
		default:
			return Payload{}, nil, rpcerr.Errorf(rpcerr.KindCorruptValue, "payload.encode_outbound", "unknown cap ref kind %d", ref.kind)
		}
	}
	if len(descs) > 0 {
		if err := payload.SetCapTable(seg, descs); err != nil {
			return Payload{}, nil, err
		}
	}
	return payload, used, nil
}

// decodeInboundPayload resolves payload's cap table against the peer's
// table and returns it alongside the (still-foreign-segment) content
// pointer (spec §4.6).
func (p *Peer) decodeInboundPayload(payload Payload) (*captable.InboundCapTable, message.Ptr, error) {
	wireDescs, err := payload.CapTable()
	if err != nil {
		return nil, message.Ptr{}, err
	}
	descs := make([]captable.Descriptor, len(wireDescs))
	for i, d := range wireDescs {
		cd, err := d.ToDescriptor()
		if err != nil {
			return nil, message.Ptr{}, err
		}
		descs[i] = cd
	}
	ict, err := captable.BuildInboundCapTable(p.capTable, descs)
	if err != nil {
		return nil, message.Ptr{}, err
	}
	p.mu.Lock()
	for _, d := range descs {
		if d.Kind != captable.DescSenderPromise {
			continue
		}
		id := captable.ImportID(d.ID)
		if _, ok := p.resolvedImports[id]; !ok {
			p.resolvedImports[id] = &resolvedImportState{}
		}
	}
	p.mu.Unlock()
	content, err := payload.Content()
	if err != nil {
		return nil, message.Ptr{}, err
	}
	return ict, content, nil
}
