// Package message implements the Cap'n Proto segmented message format:
// struct, list, far and capability pointers, and the AnyPointer deep-clone
// used by the rpc package to move payloads between cap tables.
//
// It does not implement a schema compiler or generated accessors (that is
// explicitly out of scope for the peer, spec §1). Callers lay out structs
// by ObjectSize and address fields by word/byte offset directly, the way
// generated code would if it existed.
package message

import "github.com/vatwire/capnp/internal/rpcerr"

const (
	wordSize   = 8
	maxDepth   = 64   // recursion bound on pointer traversal, spec §4.2/§4.5
	maxSegData = 1 << 29
)

// SegmentID identifies a segment within a Message.
type SegmentID uint32

// Address is a byte offset within a single segment.
type Address uint32

// Size is an allocation size split into data and pointer words, matching
// a struct's two size fields.
type Size struct {
	DataWords uint16
	PtrWords  uint16
}

// TotalWords returns the word count of the size.
func (s Size) TotalWords() int { return int(s.DataWords) + int(s.PtrWords) }

// TotalBytes returns the byte count of the size.
func (s Size) TotalBytes() int { return s.TotalWords() * wordSize }

// Arena supplies segments and allocates space for a Message. SingleSegment
// and MultiSegment are the two arenas this package provides; the rpc
// package only ever uses SingleSegment for outbound messages but must be
// able to decode multi-segment ones (far pointers) on the way in.
type Arena interface {
	NumSegments() int64
	Segment(id SegmentID) *Segment
	// Allocate reserves sz bytes, preferring pref if non-nil, and returns
	// the segment and address the allocation landed at.
	Allocate(sz int, msg *Message, pref *Segment) (*Segment, Address, error)
}

// Segment is one contiguous span of a Message's address space.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

func (s *Segment) ID() SegmentID   { return s.id }
func (s *Segment) Data() []byte    { return s.data }
func (s *Segment) Message() *Message { return s.msg }
func (s *Segment) Len() int        { return len(s.data) }

func (s *Segment) inBounds(addr Address, n int) bool {
	return n >= 0 && int64(addr)+int64(n) <= int64(len(s.data)) && addr >= 0
}

func (s *Segment) readUint64(addr Address) (uint64, error) {
	if !s.inBounds(addr, 8) {
		return 0, rpcerr.Errorf(rpcerr.KindOutOfBounds, "segment.read", "address %d out of bounds (len=%d)", addr, len(s.data))
	}
	b := s.data[addr : addr+8]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

func (s *Segment) writeUint64(addr Address, v uint64) error {
	if !s.inBounds(addr, 8) {
		return rpcerr.Errorf(rpcerr.KindOutOfBounds, "segment.write", "address %d out of bounds (len=%d)", addr, len(s.data))
	}
	b := s.data[addr : addr+8]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
	return nil
}

// singleSegment is the Arena used to build outbound messages: one
// growable byte slice.
type singleSegment struct {
	seg *Segment
}

// SingleSegment returns an Arena backed by a single, growable segment,
// optionally seeded with existing (empty) data for reuse.
func SingleSegment(buf []byte) Arena {
	return &singleSegment{seg: &Segment{id: 0, data: buf}}
}

func (a *singleSegment) NumSegments() int64 { return 1 }

func (a *singleSegment) Segment(id SegmentID) *Segment {
	if id != 0 {
		return nil
	}
	return a.seg
}

func (a *singleSegment) Allocate(sz int, msg *Message, pref *Segment) (*Segment, Address, error) {
	if len(a.seg.data)+sz > maxSegData {
		return nil, 0, rpcerr.New(rpcerr.KindOutOfBounds, "arena.allocate", "single segment would exceed size cap")
	}
	addr := Address(len(a.seg.data))
	a.seg.data = append(a.seg.data, make([]byte, sz)...)
	a.seg.msg = msg
	return a.seg, addr, nil
}

// multiSegment is the Arena used to decode inbound streams: a fixed list
// of read-only segments, one per frame segment.
type multiSegment struct {
	segs []*Segment
}

// MultiSegment wraps pre-existing segment data (as decoded off the wire)
// for reading. It never allocates.
func MultiSegment(data [][]byte) Arena {
	m := &multiSegment{segs: make([]*Segment, len(data))}
	for i, d := range data {
		m.segs[i] = &Segment{id: SegmentID(i), data: d}
	}
	return m
}

func (a *multiSegment) NumSegments() int64 { return int64(len(a.segs)) }

func (a *multiSegment) Segment(id SegmentID) *Segment {
	if int64(id) >= int64(len(a.segs)) {
		return nil
	}
	return a.segs[id]
}

func (a *multiSegment) Allocate(sz int, msg *Message, pref *Segment) (*Segment, Address, error) {
	return nil, 0, rpcerr.New(rpcerr.KindOutOfBounds, "arena.allocate", "multi-segment arena is read-only")
}
