package message

import "github.com/vatwire/capnp/internal/rpcerr"

// Message is a tree of Cap'n Proto objects split across one or more
// segments, plus the capability table the rpc package populates and
// consumes (spec §4.2, §4.4). CapTable entries are opaque to this
// package: the rpc package is the only thing that knows what a slot
// means (an import, export, receiver-answer, ...).
type Message struct {
	Arena Arena

	// CapTable holds one opaque value per capability referenced from
	// this message. Capability pointers encode an index into it.
	CapTable []interface{}

	// MaxTotalWords is stored with the message but is not consulted by
	// Root, pointer reads, or allocation: no traversal budget is enforced
	// on a message's total size.
	MaxTotalWords uint64
}

// NewMessage creates an empty outbound message with a fresh root struct
// of the given size, returning the segment it landed on.
func NewMessage(arena Arena, rootSize Size) (*Message, *Segment, error) {
	m := &Message{Arena: arena}
	seg, addr, err := arena.Allocate(wordSize+rootSize.TotalBytes(), m, nil)
	if err != nil {
		return nil, nil, rpcerr.Annotate("message.new", err)
	}
	if seg.ID() != 0 || addr != 0 {
		return nil, nil, rpcerr.New(rpcerr.KindInvalidFrame, "message.new", "root must land at segment 0 address 0")
	}
	// Root pointer at [0,8) points at the struct immediately following it.
	p := rawStructPointer(0, rootSize)
	if err := seg.writeUint64(0, uint64(p)); err != nil {
		return nil, nil, err
	}
	return m, seg, nil
}

// AddCap appends v to the message's cap table and returns its index.
func (m *Message) AddCap(v interface{}) int {
	m.CapTable = append(m.CapTable, v)
	return len(m.CapTable) - 1
}

// Segment fetches segment id, erroring if it does not exist.
func (m *Message) Segment(id SegmentID) (*Segment, error) {
	s := m.Arena.Segment(id)
	if s == nil {
		return nil, rpcerr.Errorf(rpcerr.KindOutOfBounds, "message.segment", "no such segment %d", id)
	}
	if s.msg == nil {
		s.msg = m
	}
	return s, nil
}

// Root returns the message's root pointer.
func (m *Message) Root() (Ptr, error) {
	s, err := m.Segment(0)
	if err != nil {
		return Ptr{}, rpcerr.Annotate("message.root", err)
	}
	return readPtr(s, 0, maxDepth)
}

// SetRoot stores p as the message's root pointer (p must already live in
// this message; SetRoot does not clone).
func (m *Message) SetRoot(p Ptr) error {
	s, err := m.Segment(0)
	if err != nil {
		return rpcerr.Annotate("message.set_root", err)
	}
	return writePtr(s, 0, p)
}

// NumSegments reports how many segments the message currently has.
func (m *Message) NumSegments() int64 { return m.Arena.NumSegments() }

// alloc is a convenience for allocating sz bytes, preferring pref's
// segment, word-aligned.
func (m *Message) alloc(sz int, pref *Segment) (*Segment, Address, error) {
	if sz%wordSize != 0 {
		sz += wordSize - sz%wordSize
	}
	return m.Arena.Allocate(sz, m, pref)
}
