// Package captable implements the per-connection capability table (spec
// §4.4): import ref-counting, promise-export markers, receiver-answer
// entries, and the shared id pool they're all allocated from.
package captable

import (
	"github.com/vatwire/capnp/internal/rpcerr"
)

// MaxEntries bounds the total size of the shared id namespace (spec
// Invariant 3). It is a policy choice, not a protocol requirement
// (spec §9 Open Questions).
const MaxEntries = 10000

// warnThreshold is the 90% mark at which Table logs instead of failing.
const warnThreshold = MaxEntries * 9 / 10

// LocalID is a value from the single shared id pool that backs
// ExportId, ImportId, receiver-answer ids, and promise-export ids (spec
// Invariant 2: these four sub-namespaces never collide).
type LocalID uint32

// PipelineOpKind discriminates a PromisedAnswer transform step.
type PipelineOpKind uint8

const (
	OpNoop PipelineOpKind = iota
	OpGetPointerField
)

// PipelineOp is one step of a transform path into an answer (spec §3,
// "receiver-answer cap").
type PipelineOp struct {
	Kind  PipelineOpKind
	Field uint16
}

// ReceiverAnswer is the OwnedPromisedAnswer record aliasing "the cap
// you'll find at path Ops in answer QuestionID."
type ReceiverAnswer struct {
	QuestionID uint32
	Ops        []PipelineOp
}

type importEntry struct {
	refCount uint32
}

// Table is a connection's capability table: the import ref-count map,
// the promised-export set, the receiver-answer map, and the id
// allocator all four sub-namespaces share.
type Table struct {
	imports          map[LocalID]*importEntry
	promisedExports  map[LocalID]struct{}
	receiverAnswers  map[LocalID]ReceiverAnswer
	nextID           uint32
	onWarn           func(used, max int)
}

// New returns an empty Table. onWarn, if non-nil, is invoked each time
// an allocation or new import leaves total usage at or above 90% of
// MaxEntries (Invariant 3).
func New(onWarn func(used, max int)) *Table {
	return &Table{
		imports:         make(map[LocalID]*importEntry),
		promisedExports: make(map[LocalID]struct{}),
		receiverAnswers: make(map[LocalID]ReceiverAnswer),
		onWarn:          onWarn,
	}
}

func (t *Table) totalEntries() int {
	return len(t.imports) + len(t.promisedExports) + len(t.receiverAnswers)
}

func (t *Table) occupied(id LocalID) bool {
	if _, ok := t.imports[id]; ok {
		return true
	}
	if _, ok := t.promisedExports[id]; ok {
		return true
	}
	if _, ok := t.receiverAnswers[id]; ok {
		return true
	}
	return false
}

// AllocLocalCapID returns the first id, starting from the wrapping
// cursor, absent from all three sub-namespaces. It fails CapTableFull
// once MaxEntries ids are in use.
func (t *Table) AllocLocalCapID() (LocalID, error) {
	if t.totalEntries() >= MaxEntries {
		return 0, rpcerr.New(rpcerr.KindCapTableFull, "captable.alloc", "cap table is at its entry limit")
	}
	for i := 0; i < MaxEntries+1; i++ {
		id := LocalID(t.nextID)
		t.nextID++
		if !t.occupied(id) {
			if used := t.totalEntries() + 1; used >= warnThreshold && t.onWarn != nil {
				t.onWarn(used, MaxEntries)
			}
			return id, nil
		}
	}
	return 0, rpcerr.New(rpcerr.KindCapTableFull, "captable.alloc", "no free id found despite capacity check")
}

// MarkPromisedExport records id as a promise-export, reserving its slot
// in the shared namespace.
func (t *Table) MarkPromisedExport(id LocalID) {
	t.promisedExports[id] = struct{}{}
}

// UnmarkPromisedExport releases id's reservation once the promise export
// itself is retired.
func (t *Table) UnmarkPromisedExport(id LocalID) {
	delete(t.promisedExports, id)
}

// IsPromisedExport reports whether id is a live promise-export.
func (t *Table) IsPromisedExport(id LocalID) bool {
	_, ok := t.promisedExports[id]
	return ok
}

// PutReceiverAnswer records a receiver-answer cap-table entry.
func (t *Table) PutReceiverAnswer(id LocalID, ra ReceiverAnswer) {
	t.receiverAnswers[id] = ra
}

// ReceiverAnswer looks up a receiver-answer entry.
func (t *Table) ReceiverAnswer(id LocalID) (ReceiverAnswer, bool) {
	ra, ok := t.receiverAnswers[id]
	return ra, ok
}

// TakeReceiverAnswer removes and returns a receiver-answer entry. Per
// spec §4.5, receiver-answer entries are single-use: once encoded
// outbound, they are removed from the table.
func (t *Table) TakeReceiverAnswer(id LocalID) (ReceiverAnswer, bool) {
	ra, ok := t.receiverAnswers[id]
	if ok {
		delete(t.receiverAnswers, id)
	}
	return ra, ok
}

// NoteImport increments id's ref count (new entries start at 1).
func (t *Table) NoteImport(id LocalID) error {
	e, ok := t.imports[id]
	if !ok {
		if t.totalEntries() >= MaxEntries {
			return rpcerr.New(rpcerr.KindCapTableFull, "captable.note_import", "cap table is at its entry limit")
		}
		t.imports[id] = &importEntry{refCount: 1}
		if used := t.totalEntries(); used >= warnThreshold && t.onWarn != nil {
			t.onWarn(used, MaxEntries)
		}
		return nil
	}
	if e.refCount == ^uint32(0) {
		return rpcerr.New(rpcerr.KindRefCountOverflow, "captable.note_import", "import ref count overflow")
	}
	e.refCount++
	return nil
}

// ReleaseImport decrements id's ref count by n (minimum 1), reporting
// whether the entry hit zero and was removed (Invariant 1: an ImportId
// is present iff its ref count is >= 1).
func (t *Table) ReleaseImport(id LocalID, n uint32) (zero bool, err error) {
	if n == 0 {
		n = 1
	}
	e, ok := t.imports[id]
	if !ok {
		return false, rpcerr.Errorf(rpcerr.KindUnknownExport, "captable.release_import", "no import entry for id %d", id)
	}
	if n >= e.refCount {
		delete(t.imports, id)
		return true, nil
	}
	e.refCount -= n
	return false, nil
}

// ImportRefCount reports id's current ref count, or 0 if absent.
func (t *Table) ImportRefCount(id LocalID) uint32 {
	e, ok := t.imports[id]
	if !ok {
		return 0
	}
	return e.refCount
}

// HasImport reports whether id has a live import entry (Invariant 1).
func (t *Table) HasImport(id LocalID) bool {
	_, ok := t.imports[id]
	return ok
}
