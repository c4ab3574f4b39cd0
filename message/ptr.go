package message

import "github.com/vatwire/capnp/internal/rpcerr"

// PtrKind discriminates the decoded form of a Ptr.
type PtrKind uint8

const (
	KindNull PtrKind = iota
	KindStruct
	KindList
	KindInterface
)

// Ptr is a decoded Cap'n Proto pointer: a struct, a list, a capability
// (interface), or null. It is the unit AnyPointer operations move around.
type Ptr struct {
	kind PtrKind

	seg  *Segment
	addr Address

	structSize Size

	elemSize     ElementSize
	length       int32
	compositeTag Size // only meaningful when elemSize == SizeComposite

	capIndex uint32
}

// IsValid reports whether p is non-null.
func (p Ptr) IsValid() bool { return p.kind != KindNull }

// Kind returns the pointer's discriminant.
func (p Ptr) Kind() PtrKind { return p.kind }

// Struct returns p as a Struct. ok is false if p is not a struct pointer
// (a null pointer reads back as a valid zero-sized struct, matching
// Cap'n Proto's "defaults are zero" convention).
func (p Ptr) Struct() (Struct, bool) {
	if p.kind == KindNull {
		return Struct{}, true
	}
	if p.kind != KindStruct {
		return Struct{}, false
	}
	return Struct{seg: p.seg, addr: p.addr, size: p.structSize}, true
}

// List returns p as a List.
func (p Ptr) List() (List, bool) {
	if p.kind == KindNull {
		return List{}, true
	}
	if p.kind != KindList {
		return List{}, false
	}
	return List{seg: p.seg, addr: p.addr, elemSize: p.elemSize, length: p.length, compositeTag: p.compositeTag}, true
}

// InterfaceIndex returns the capability-table index p refers to, and
// whether p is in fact a capability pointer.
func (p Ptr) InterfaceIndex() (uint32, bool) {
	if p.kind != KindInterface {
		return 0, false
	}
	return p.capIndex, true
}

// NewInterfacePtr builds a capability pointer referencing capTable index idx.
func NewInterfacePtr(idx uint32) Ptr {
	return Ptr{kind: KindInterface, capIndex: idx}
}

// StructPtr wraps a Struct as a Ptr.
func StructPtr(s Struct) Ptr {
	if s.seg == nil {
		return Ptr{}
	}
	return Ptr{kind: KindStruct, seg: s.seg, addr: s.addr, structSize: s.size}
}

// ListPtr wraps a List as a Ptr.
func ListPtr(l List) Ptr {
	if l.seg == nil {
		return Ptr{}
	}
	return Ptr{kind: KindList, seg: l.seg, addr: l.addr, elemSize: l.elemSize, length: l.length, compositeTag: l.compositeTag}
}

// Struct is a decoded struct: a data section followed by a pointer
// section, both addressed relative to a segment.
type Struct struct {
	seg  *Segment
	addr Address
	size Size
}

// NewStruct allocates a zeroed struct of the given size in s's message,
// preferring to place it in s.
func NewStruct(s *Segment, size Size) (Struct, error) {
	seg, addr, err := s.msg.alloc(size.TotalBytes(), s)
	if err != nil {
		return Struct{}, rpcerr.Annotate("struct.new", err)
	}
	return Struct{seg: seg, addr: addr, size: size}, nil
}

func (s Struct) Segment() *Segment { return s.seg }
func (s Struct) Size() Size        { return s.size }
func (s Struct) IsValid() bool     { return s.seg != nil }
func (s Struct) ToPtr() Ptr        { return StructPtr(s) }

func (s Struct) dataAddr(off int) Address { return s.addr + Address(off) }
func (s Struct) ptrAddr(i int) Address {
	return s.addr + Address(int(s.size.DataWords)*wordSize) + Address(i*wordSize)
}

// Uint8/Uint16/Uint32/Uint64 read/write a primitive field at the given
// byte offset into the struct's data section, zero if out of range
// (Cap'n Proto's "upgrade compatibility" default).
func (s Struct) Uint8(off int) uint8 {
	v, _ := s.rawWord(off)
	return uint8(v)
}
func (s Struct) SetUint8(off int, v uint8) error { return s.setRawByte(off, uint64(v), 1) }

func (s Struct) Uint16(off int) uint16 {
	v, _ := s.rawWord(off)
	return uint16(v)
}
func (s Struct) SetUint16(off int, v uint16) error { return s.setRawByte(off, uint64(v), 2) }

func (s Struct) Uint32(off int) uint32 {
	v, _ := s.rawWord(off)
	return uint32(v)
}
func (s Struct) SetUint32(off int, v uint32) error { return s.setRawByte(off, uint64(v), 4) }

func (s Struct) Uint64(off int) uint64 {
	v, _ := s.rawWord(off)
	return v
}
func (s Struct) SetUint64(off int, v uint64) error { return s.setRawByte(off, v, 8) }

func (s Struct) Bool(off int, bit uint) bool {
	byteOff := off + int(bit)/8
	if byteOff < 0 || byteOff >= int(s.size.DataWords)*wordSize {
		return false
	}
	b := s.seg.data[int(s.dataAddr(byteOff))]
	return b&(1<<(bit%8)) != 0
}

func (s Struct) SetBool(off int, bit uint, v bool) error {
	byteOff := off + int(bit)/8
	if byteOff < 0 || byteOff >= int(s.size.DataWords)*wordSize {
		return rpcerr.New(rpcerr.KindOutOfBounds, "struct.set_bool", "bit field out of data section")
	}
	addr := s.dataAddr(byteOff)
	if v {
		s.seg.data[addr] |= 1 << (bit % 8)
	} else {
		s.seg.data[addr] &^= 1 << (bit % 8)
	}
	return nil
}

func (s Struct) rawWord(off int) (uint64, bool) {
	if off < 0 || off+8 > int(s.size.DataWords)*wordSize {
		return 0, false
	}
	v, err := s.seg.readUint64(s.dataAddr(off))
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s Struct) setRawByte(off int, v uint64, width int) error {
	if off < 0 || off+width > int(s.size.DataWords)*wordSize {
		return rpcerr.Errorf(rpcerr.KindOutOfBounds, "struct.set", "field at offset %d/%d exceeds data section", off, width)
	}
	cur, _ := s.seg.readUint64(s.dataAddr(off - off%8))
	shift := uint((off % 8) * 8)
	mask := (uint64(1)<<(uint(width)*8) - 1) << shift
	cur = (cur &^ mask) | ((v << shift) & mask)
	return s.seg.writeUint64(s.dataAddr(off-off%8), cur)
}

// Pointer reads pointer field i (0-indexed into the pointer section).
func (s Struct) Pointer(i int) (Ptr, error) {
	if i < 0 || i >= int(s.size.PtrWords) {
		return Ptr{}, nil
	}
	return readPtr(s.seg, s.ptrAddr(i), maxDepth)
}

// SetPointer writes p into pointer field i.
func (s Struct) SetPointer(i int, p Ptr) error {
	if i < 0 || i >= int(s.size.PtrWords) {
		return rpcerr.Errorf(rpcerr.KindOutOfBounds, "struct.set_pointer", "pointer field %d exceeds pointer section (%d words)", i, s.size.PtrWords)
	}
	return writePtr(s.seg, s.ptrAddr(i), p)
}

// Text reads pointer field i as a NUL-terminated byte list and returns it
// without the trailing NUL.
func (s Struct) Text(i int) (string, error) {
	p, err := s.Pointer(i)
	if err != nil {
		return "", err
	}
	if !p.IsValid() {
		return "", nil
	}
	l, ok := p.List()
	if !ok || l.elemSize != SizeByte {
		return "", rpcerr.New(rpcerr.KindInvalidPointer, "struct.text", "pointer is not a byte list")
	}
	b := l.Bytes()
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b), nil
}

// SetText allocates a NUL-terminated byte list for v and stores it at
// pointer field i.
func (s Struct) SetText(i int, v string) error {
	data := make([]byte, len(v)+1)
	copy(data, v)
	l, err := NewByteList(s.seg, data)
	if err != nil {
		return err
	}
	return s.SetPointer(i, ListPtr(l))
}
