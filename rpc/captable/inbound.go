package captable

import "github.com/vatwire/capnp/internal/rpcerr"

// DescriptorKind discriminates a wire CapDescriptor (spec §3, §6: "the
// four concrete cap-descriptor kinds on the wire", plus thirdPartyHosted
// and none).
type DescriptorKind uint8

const (
	DescNone DescriptorKind = iota
	DescSenderHosted
	DescSenderPromise
	DescReceiverHosted
	DescReceiverAnswer
	DescThirdPartyHosted
)

// Descriptor is one entry of an inbound (or outbound) cap-descriptor
// list.
type Descriptor struct {
	Kind           DescriptorKind
	ID             uint32         // senderHosted/senderPromise/receiverHosted id
	ReceiverAnswer ReceiverAnswer // receiverAnswer
	VineID         uint32         // thirdPartyHosted: the local import created to pin the cap
}

// InboundCapTable is the resolved form of a per-message cap descriptor
// list (spec §4.4): one ResolvedCap per descriptor, plus a parallel
// "retained" flag a handler sets when it consumes an entry.
type InboundCapTable struct {
	resolved []ResolvedCap
	retained []bool
	table    *Table
}

// BuildInboundCapTable walks descs and resolves each into a ResolvedCap,
// noting imports as it goes. If resolution fails partway through,
// already-noted imports are released to restore ref counts (spec §4.4).
func BuildInboundCapTable(t *Table, descs []Descriptor) (*InboundCapTable, error) {
	ict := &InboundCapTable{
		resolved: make([]ResolvedCap, 0, len(descs)),
		retained: make([]bool, 0, len(descs)),
		table:    t,
	}
	noted := make([]LocalID, 0, len(descs))
	rollback := func() {
		for _, id := range noted {
			t.ReleaseImport(id, 1)
		}
	}
	for _, d := range descs {
		switch d.Kind {
		case DescNone:
			ict.resolved = append(ict.resolved, None())
		case DescSenderHosted:
			id := LocalID(d.ID)
			if err := t.NoteImport(id); err != nil {
				rollback()
				return nil, rpcerr.Annotate("captable.build_inbound", err)
			}
			noted = append(noted, id)
			ict.resolved = append(ict.resolved, Imported(ImportID(d.ID)))
		case DescSenderPromise:
			id := LocalID(d.ID)
			if err := t.NoteImport(id); err != nil {
				rollback()
				return nil, rpcerr.Annotate("captable.build_inbound", err)
			}
			noted = append(noted, id)
			ict.resolved = append(ict.resolved, Imported(ImportID(d.ID)))
		case DescReceiverHosted:
			ict.resolved = append(ict.resolved, Exported(ExportID(d.ID)))
		case DescReceiverAnswer:
			ict.resolved = append(ict.resolved, Promised(QuestionID(d.ReceiverAnswer.QuestionID), d.ReceiverAnswer.Ops))
		case DescThirdPartyHosted:
			id := LocalID(d.VineID)
			if err := t.NoteImport(id); err != nil {
				rollback()
				return nil, rpcerr.Annotate("captable.build_inbound", err)
			}
			noted = append(noted, id)
			ict.resolved = append(ict.resolved, Imported(ImportID(d.VineID)))
		default:
			rollback()
			return nil, rpcerr.Errorf(rpcerr.KindInvalidDiscrim, "captable.build_inbound", "unknown descriptor kind %d", d.Kind)
		}
		ict.retained = append(ict.retained, false)
	}
	return ict, nil
}

// Len reports the number of entries.
func (ict *InboundCapTable) Len() int { return len(ict.resolved) }

// At returns the resolved cap at index i.
func (ict *InboundCapTable) At(i int) (ResolvedCap, error) {
	if i < 0 || i >= len(ict.resolved) {
		return ResolvedCap{}, rpcerr.Errorf(rpcerr.KindCapIndexOutOfRange, "captable.inbound_at", "index %d out of range (len=%d)", i, len(ict.resolved))
	}
	return ict.resolved[i], nil
}

// RetainIndex marks entry i as consumed by a handler; release() will not
// touch it.
func (ict *InboundCapTable) RetainIndex(i int) {
	if i >= 0 && i < len(ict.retained) {
		ict.retained[i] = true
	}
}

// Release drops every non-retained imported entry, decrementing ref
// counts and reporting which ones hit zero (so the caller can emit a
// Release message for each).
func (ict *InboundCapTable) Release() (dropped []ImportID) {
	for i, rc := range ict.resolved {
		if ict.retained[i] || rc.Kind != ResolvedImported {
			continue
		}
		if zero, _ := ict.table.ReleaseImport(LocalID(rc.ImportID), 1); zero {
			dropped = append(dropped, rc.ImportID)
		}
	}
	return dropped
}

// Clone performs a deep copy that does not touch ref counts; the caller
// must independently balance releases for the clone (spec §4.4).
func (ict *InboundCapTable) Clone() *InboundCapTable {
	out := &InboundCapTable{
		resolved: make([]ResolvedCap, len(ict.resolved)),
		retained: make([]bool, len(ict.retained)),
		table:    ict.table,
	}
	copy(out.resolved, ict.resolved)
	// A clone starts with nothing retained: it is a fresh logical
	// reference to the same ref-counted imports and must independently
	// decide what it consumes.
	return out
}
