package message

import "github.com/vatwire/capnp/internal/rpcerr"

// List is a decoded list pointer of any of the eight element sizes
// (spec §4.2).
type List struct {
	seg          *Segment
	addr         Address
	elemSize     ElementSize
	length       int32
	compositeTag Size
}

func (l List) IsValid() bool      { return l.seg != nil }
func (l List) Len() int           { return int(l.length) }
func (l List) ElementSize() ElementSize { return l.elemSize }
func (l List) Segment() *Segment  { return l.seg }
func (l List) ToPtr() Ptr         { return ListPtr(l) }

func (l List) elemAddr(i int) Address {
	if l.elemSize == SizeComposite {
		return l.addr + Address(i*l.compositeTag.TotalWords()*wordSize)
	}
	bits := l.elemSize.bits()
	return l.addr + Address(i*bits/8)
}

// Bytes returns the backing bytes of a byte-sized list (element size 2).
func (l List) Bytes() []byte {
	if !l.IsValid() || l.elemSize != SizeByte {
		return nil
	}
	start := l.addr
	return l.seg.data[start : int(start)+int(l.length)]
}

// Struct returns element i of an inline-composite (or pointer-to-struct
// via PointerList+deref, not handled here) list as a Struct.
func (l List) Struct(i int) (Struct, error) {
	if l.elemSize != SizeComposite {
		return Struct{}, rpcerr.New(rpcerr.KindInvalidPointer, "list.struct", "not a composite list")
	}
	if i < 0 || i >= int(l.length) {
		return Struct{}, rpcerr.Errorf(rpcerr.KindOutOfBounds, "list.struct", "index %d out of range (len=%d)", i, l.length)
	}
	return Struct{seg: l.seg, addr: l.elemAddr(i), size: l.compositeTag}, nil
}

// PtrAt returns element i of a pointer list (element size 6).
func (l List) PtrAt(i int) (Ptr, error) {
	if l.elemSize != SizePointer {
		return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "list.ptr_at", "not a pointer list")
	}
	if i < 0 || i >= int(l.length) {
		return Ptr{}, rpcerr.Errorf(rpcerr.KindOutOfBounds, "list.ptr_at", "index %d out of range (len=%d)", i, l.length)
	}
	return readPtr(l.seg, l.elemAddr(i), maxDepth)
}

// SetPtrAt sets element i of a pointer list.
func (l List) SetPtrAt(i int, p Ptr) error {
	if l.elemSize != SizePointer {
		return rpcerr.New(rpcerr.KindInvalidPointer, "list.set_ptr_at", "not a pointer list")
	}
	if i < 0 || i >= int(l.length) {
		return rpcerr.Errorf(rpcerr.KindOutOfBounds, "list.set_ptr_at", "index %d out of range (len=%d)", i, l.length)
	}
	return writePtr(l.seg, l.elemAddr(i), p)
}

// Uint32At/SetUint32At address a four-byte-element list.
func (l List) Uint32At(i int) uint32 {
	if l.elemSize != SizeFourBytes || i < 0 || i >= int(l.length) {
		return 0
	}
	v, _ := l.seg.readUint64(alignDown(l.elemAddr(i)))
	shift := uint(l.elemAddr(i)%8) * 8
	return uint32(v >> shift)
}

func alignDown(a Address) Address { return a - a%8 }

// NewList allocates a new list of count elements of elemSize in s's
// message.
func NewList(s *Segment, elemSize ElementSize, count int) (List, error) {
	if elemSize == SizeComposite {
		return List{}, rpcerr.New(rpcerr.KindInvalidPointer, "list.new", "use NewCompositeList for inline composite lists")
	}
	bits := elemSize.bits()
	totalBytes := (count*bits + 7) / 8
	seg, addr, err := s.msg.alloc(totalBytes, s)
	if err != nil {
		return List{}, rpcerr.Annotate("list.new", err)
	}
	return List{seg: seg, addr: addr, elemSize: elemSize, length: int32(count)}, nil
}

// NewCompositeList allocates an inline-composite list of count structs of
// the given size, writing the tag word.
func NewCompositeList(s *Segment, size Size, count int) (List, error) {
	seg, addr, err := s.msg.alloc(wordSize+count*size.TotalBytes(), s)
	if err != nil {
		return List{}, rpcerr.Annotate("list.new_composite", err)
	}
	tag := rawStructPointer(int32(count), size)
	if err := seg.writeUint64(addr, tag); err != nil {
		return List{}, err
	}
	return List{seg: seg, addr: addr + 8, elemSize: SizeComposite, length: int32(count), compositeTag: size}, nil
}

// NewByteList allocates a byte list and copies data into it.
func NewByteList(s *Segment, data []byte) (List, error) {
	l, err := NewList(s, SizeByte, len(data))
	if err != nil {
		return List{}, err
	}
	copy(l.seg.data[l.addr:int(l.addr)+len(data)], data)
	return l, nil
}
