package message

import "github.com/vatwire/capnp/internal/rpcerr"

// pointer type tag, bits [0:2) of a pointer word.
const (
	ptrTypeStruct = 0
	ptrTypeList   = 1
	ptrTypeFar    = 2
	ptrTypeOther  = 3 // only the capability variant (tag==0) is implemented
)

// ElementSize is the 3-bit list element size tag, spec §4.2.
type ElementSize uint8

const (
	SizeVoid      ElementSize = 0
	SizeBit       ElementSize = 1
	SizeByte      ElementSize = 2
	SizeTwoBytes  ElementSize = 3
	SizeFourBytes ElementSize = 4
	SizeEightBytes ElementSize = 5 // non-pointer word
	SizePointer   ElementSize = 6
	SizeComposite ElementSize = 7 // inline composite
)

func (e ElementSize) bits() int {
	switch e {
	case SizeVoid:
		return 0
	case SizeBit:
		return 1
	case SizeByte:
		return 8
	case SizeTwoBytes:
		return 16
	case SizeFourBytes:
		return 32
	case SizeEightBytes, SizePointer:
		return 64
	default:
		return 0
	}
}

func rawStructPointer(offsetWords int32, size Size) uint64 {
	lower := (uint32(offsetWords) << 2) | ptrTypeStruct
	upper := uint32(size.DataWords) | uint32(size.PtrWords)<<16
	return uint64(lower) | uint64(upper)<<32
}

func rawListPointer(offsetWords int32, elemSize ElementSize, count int32) uint64 {
	lower := (uint32(offsetWords) << 2) | ptrTypeList
	upper := uint32(elemSize) | uint32(count)<<3
	return uint64(lower) | uint64(upper)<<32
}

func rawFarPointer(landingPad uint8, offsetWords uint32, segID SegmentID) uint64 {
	lower := (offsetWords << 3) | (uint32(landingPad) << 2) | ptrTypeFar
	return uint64(lower) | uint64(uint32(segID))<<32
}

func rawCapPointer(index uint32) uint64 {
	return uint64(ptrTypeOther) | uint64(index)<<32
}

func ptrIsNull(word uint64) bool { return word == 0 }

// readPtr decodes the pointer word at addr in segment s, following far
// pointers (including double-far landing pads), and returns the resolved
// object. depth bounds nested struct/list traversal (spec recommends 64).
func readPtr(s *Segment, addr Address, depth int) (Ptr, error) {
	if depth <= 0 {
		return Ptr{}, rpcerr.New(rpcerr.KindRecursionLimit, "pointer.read", "traversal depth exceeded")
	}
	word, err := s.readUint64(addr)
	if err != nil {
		return Ptr{}, rpcerr.Annotate("pointer.read", err)
	}
	if ptrIsNull(word) {
		return Ptr{}, nil
	}
	lower := uint32(word)
	switch lower & 0x3 {
	case ptrTypeStruct:
		offset := int32(lower) >> 2
		upper := uint32(word >> 32)
		size := Size{DataWords: uint16(upper), PtrWords: uint16(upper >> 16)}
		target := Address(int64(addr) + 8 + int64(offset)*8)
		if !s.inBounds(target, size.TotalBytes()) {
			return Ptr{}, rpcerr.New(rpcerr.KindOutOfBounds, "pointer.read", "struct target out of bounds")
		}
		return Ptr{kind: KindStruct, seg: s, addr: target, structSize: size}, nil
	case ptrTypeList:
		offset := int32(lower) >> 2
		upper := uint32(word >> 32)
		elemSize := ElementSize(upper & 0x7)
		count := int32(upper >> 3)
		target := Address(int64(addr) + 8 + int64(offset)*8)
		var tag Size
		var elemCount int32
		if elemSize == SizeComposite {
			// count is the word count of the tagged region; the tag word
			// at target is itself a struct pointer giving per-element size
			// and the real element count.
			tagWord, err := s.readUint64(target)
			if err != nil {
				return Ptr{}, rpcerr.Annotate("pointer.read", err)
			}
			if tagWord&0x3 != ptrTypeStruct {
				return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "pointer.read", "inline composite tag is not a struct pointer")
			}
			elemCount = int32(uint32(tagWord) >> 2)
			tu := uint32(tagWord >> 32)
			tag = Size{DataWords: uint16(tu), PtrWords: uint16(tu >> 16)}
			target += 8
			totalWords := elemCount * int32(tag.TotalWords())
			if !s.inBounds(target, int(totalWords)*wordSize) {
				return Ptr{}, rpcerr.New(rpcerr.KindOutOfBounds, "pointer.read", "inline composite list out of bounds")
			}
		} else {
			bits := elemSize.bits()
			totalBytes := (int(count)*bits + 7) / 8
			if !s.inBounds(target, totalBytes) {
				return Ptr{}, rpcerr.New(rpcerr.KindOutOfBounds, "pointer.read", "list target out of bounds")
			}
			elemCount = count
		}
		return Ptr{kind: KindList, seg: s, addr: target, elemSize: elemSize, length: elemCount, compositeTag: tag}, nil
	case ptrTypeFar:
		landingPad := (lower >> 2) & 0x1
		farOffset := lower >> 3
		segID := SegmentID(word >> 32)
		msg := s.msg
		target, err := msg.Segment(segID)
		if err != nil {
			return Ptr{}, rpcerr.Annotate("pointer.read", err)
		}
		if landingPad == 0 {
			return readPtr(target, Address(farOffset)*8, depth-1)
		}
		// Double-far: the landing pad is two words. The first is another
		// far pointer (content's real location); the second is a tag word
		// describing the object's struct/list shape with a zero offset.
		padAddr := Address(farOffset) * 8
		farWord, err := target.readUint64(padAddr)
		if err != nil {
			return Ptr{}, rpcerr.Annotate("pointer.read", err)
		}
		if farWord&0x3 != ptrTypeFar {
			return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "pointer.read", "double-far landing pad word 0 is not a far pointer")
		}
		tagWord, err := target.readUint64(padAddr + 8)
		if err != nil {
			return Ptr{}, rpcerr.Annotate("pointer.read", err)
		}
		contentSeg := SegmentID(farWord >> 32)
		contentOffsetWords := (uint32(farWord) >> 3)
		contentSegPtr, err := msg.Segment(contentSeg)
		if err != nil {
			return Ptr{}, rpcerr.Annotate("pointer.read", err)
		}
		return decodeWithTag(contentSegPtr, Address(contentOffsetWords)*8, tagWord)
	case ptrTypeOther:
		upper32 := lower >> 2
		if upper32 != 0 {
			return Ptr{}, rpcerr.Errorf(rpcerr.KindInvalidPointer, "pointer.read", "unsupported 'other' pointer tag %d", upper32)
		}
		index := uint32(word >> 32)
		return Ptr{kind: KindInterface, seg: s, capIndex: index}, nil
	}
	panic("unreachable")
}

// decodeWithTag interprets data at target as if tagWord were the pointer
// word at target-8 describing it (used by double-far resolution, where
// the tag's own offset field is defined to be zero).
func decodeWithTag(s *Segment, target Address, tagWord uint64) (Ptr, error) {
	lower := uint32(tagWord)
	switch lower & 0x3 {
	case ptrTypeStruct:
		upper := uint32(tagWord >> 32)
		size := Size{DataWords: uint16(upper), PtrWords: uint16(upper >> 16)}
		if !s.inBounds(target, size.TotalBytes()) {
			return Ptr{}, rpcerr.New(rpcerr.KindOutOfBounds, "pointer.read", "double-far struct target out of bounds")
		}
		return Ptr{kind: KindStruct, seg: s, addr: target, structSize: size}, nil
	case ptrTypeList:
		upper := uint32(tagWord >> 32)
		elemSize := ElementSize(upper & 0x7)
		count := int32(upper >> 3)
		if elemSize == SizeComposite {
			return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "pointer.read", "double-far to inline composite list unsupported")
		}
		bits := elemSize.bits()
		totalBytes := (int(count)*bits + 7) / 8
		if !s.inBounds(target, totalBytes) {
			return Ptr{}, rpcerr.New(rpcerr.KindOutOfBounds, "pointer.read", "double-far list target out of bounds")
		}
		return Ptr{kind: KindList, seg: s, addr: target, elemSize: elemSize, length: count}, nil
	default:
		return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "pointer.read", "unsupported double-far tag type")
	}
}

// writePtr writes p's pointer word at addr in s, allocating a far
// pointer landing pad if p lives in a different segment.
func writePtr(s *Segment, addr Address, p Ptr) error {
	if !p.IsValid() {
		return s.writeUint64(addr, 0)
	}
	if p.kind == KindInterface {
		return s.writeUint64(addr, rawCapPointer(p.capIndex))
	}
	// An inline-composite list's pointer targets its tag word, which sits
	// one word before the first element p.addr names.
	tgt := p.addr
	if p.kind == KindList && p.elemSize == SizeComposite {
		tgt -= 8
	}
	if p.seg == s {
		offset := (int64(tgt) - int64(addr) - 8) / 8
		if offset >= -(1<<29) && offset < (1<<29) {
			return s.writeUint64(addr, rawDirectPointer(p, int32(offset)))
		}
	}
	// Cross-segment (or out-of-range offset): allocate a single-word far
	// pointer landing pad in the target segment pointing straight at p,
	// then point addr at that landing pad.
	padSeg, padAddr, err := s.msg.alloc(8, p.seg)
	if err != nil {
		return rpcerr.Annotate("pointer.write", err)
	}
	if padSeg.ID() == p.seg.ID() {
		offset := (int64(tgt) - int64(padAddr) - 8) / 8
		if offset >= -(1<<29) && offset < (1<<29) {
			if err := padSeg.writeUint64(padAddr, rawDirectPointer(p, int32(offset))); err != nil {
				return err
			}
			return s.writeUint64(addr, rawFarPointer(0, uint32(padAddr)/8, padSeg.ID()))
		}
	}
	// Double-far: two-word landing pad, word0 = far ptr to content,
	// word1 = tag describing content's shape with offset 0.
	dfSeg, dfAddr, err := s.msg.alloc(16, nil)
	if err != nil {
		return rpcerr.Annotate("pointer.write", err)
	}
	if err := dfSeg.writeUint64(dfAddr, rawFarPointer(0, uint32(tgt)/8, p.seg.ID())); err != nil {
		return err
	}
	if err := dfSeg.writeUint64(dfAddr+8, rawDirectPointer(p, 0)); err != nil {
		return err
	}
	return s.writeUint64(addr, rawFarPointer(1, uint32(dfAddr)/8, dfSeg.ID()))
}

func rawDirectPointer(p Ptr, offset int32) uint64 {
	switch p.kind {
	case KindStruct:
		return rawStructPointer(offset, p.structSize)
	case KindList:
		if p.elemSize == SizeComposite {
			total := p.length * int32(p.compositeTag.TotalWords())
			return rawListPointer(offset, SizeComposite, total)
		}
		return rawListPointer(offset, p.elemSize, p.length)
	default:
		panic("rawDirectPointer: unsupported kind")
	}
}
