package message

import "github.com/vatwire/capnp/internal/rpcerr"

// Clone deep-copies p (struct, list, or capability) into dst, rebuilding
// every pointer so the result is fully independent of p's original
// segments. Capability pointers are copied as-is (same cap-table index);
// callers that need to remap indices should do so with WalkCaps after
// cloning, or during encode/decode via the rpc payload walkers.
//
// This is the AnyPointer deep-clone required by spec §4.2/§4.5: "deep-
// clone that faithfully reproduces any of the above into a fresh
// builder."
func Clone(dst *Segment, p Ptr, depth int) (Ptr, error) {
	if depth <= 0 {
		return Ptr{}, rpcerr.New(rpcerr.KindRecursionLimit, "clone", "traversal depth exceeded")
	}
	switch p.kind {
	case KindNull:
		return Ptr{}, nil
	case KindInterface:
		return p, nil
	case KindStruct:
		src, _ := p.Struct()
		return cloneStruct(dst, src, depth)
	case KindList:
		src, _ := p.List()
		return cloneList(dst, src, depth)
	default:
		return Ptr{}, rpcerr.New(rpcerr.KindInvalidPointer, "clone", "unsupported pointer kind")
	}
}

func cloneStruct(dst *Segment, src Struct, depth int) (Ptr, error) {
	out, err := NewStruct(dst, src.size)
	if err != nil {
		return Ptr{}, err
	}
	copy(out.seg.data[out.addr:int(out.addr)+int(src.size.DataWords)*wordSize],
		src.seg.data[src.addr:int(src.addr)+int(src.size.DataWords)*wordSize])
	for i := 0; i < int(src.size.PtrWords); i++ {
		fp, err := src.Pointer(i)
		if err != nil {
			return Ptr{}, rpcerr.Annotate("clone.struct", err)
		}
		if !fp.IsValid() {
			continue
		}
		cp, err := Clone(out.seg, fp, depth-1)
		if err != nil {
			return Ptr{}, err
		}
		if err := out.SetPointer(i, cp); err != nil {
			return Ptr{}, err
		}
	}
	return StructPtr(out), nil
}

func cloneList(dst *Segment, src List, depth int) (Ptr, error) {
	switch src.elemSize {
	case SizeComposite:
		out, err := NewCompositeList(dst, src.compositeTag, int(src.length))
		if err != nil {
			return Ptr{}, err
		}
		for i := 0; i < int(src.length); i++ {
			se, err := src.Struct(i)
			if err != nil {
				return Ptr{}, err
			}
			de, err := out.Struct(i)
			if err != nil {
				return Ptr{}, err
			}
			copy(de.seg.data[de.addr:int(de.addr)+int(de.size.DataWords)*wordSize],
				se.seg.data[se.addr:int(se.addr)+int(se.size.DataWords)*wordSize])
			for j := 0; j < int(se.size.PtrWords); j++ {
				fp, err := se.Pointer(j)
				if err != nil {
					return Ptr{}, err
				}
				if !fp.IsValid() {
					continue
				}
				cp, err := Clone(de.seg, fp, depth-1)
				if err != nil {
					return Ptr{}, err
				}
				if err := de.SetPointer(j, cp); err != nil {
					return Ptr{}, err
				}
			}
		}
		return ListPtr(out), nil
	case SizePointer:
		out, err := NewList(dst, SizePointer, int(src.length))
		if err != nil {
			return Ptr{}, err
		}
		for i := 0; i < int(src.length); i++ {
			fp, err := src.PtrAt(i)
			if err != nil {
				return Ptr{}, err
			}
			if !fp.IsValid() {
				continue
			}
			cp, err := Clone(out.seg, fp, depth-1)
			if err != nil {
				return Ptr{}, err
			}
			if err := out.SetPtrAt(i, cp); err != nil {
				return Ptr{}, err
			}
		}
		return ListPtr(out), nil
	default:
		out, err := NewList(dst, src.elemSize, int(src.length))
		if err != nil {
			return Ptr{}, err
		}
		bits := src.elemSize.bits()
		nbytes := (int(src.length)*bits + 7) / 8
		copy(out.seg.data[out.addr:int(out.addr)+nbytes], src.seg.data[src.addr:int(src.addr)+nbytes])
		return ListPtr(out), nil
	}
}

// CapVisitor is called once per capability pointer WalkCaps finds. It
// returns the replacement pointer (typically a new interface pointer
// with a remapped index, or a null Ptr to drop the reference), or an
// error.
type CapVisitor func(idx uint32) (Ptr, error)

// WalkCaps visits and rewrites every capability pointer reachable from
// root (struct or list), bounded by depth. It is the shared traversal
// the outbound encoder (§4.5) and inbound re-mapper (§4.6) build on.
func WalkCaps(root Ptr, depth int, visit CapVisitor) error {
	if !root.IsValid() {
		return nil
	}
	if depth <= 0 {
		return rpcerr.New(rpcerr.KindRecursionLimit, "walk_caps", "traversal depth exceeded")
	}
	switch root.kind {
	case KindInterface:
		// Root itself being a capability can't be rewritten in place
		// (there is no slot to write back to); callers handle the root
		// specially. No-op here.
		return nil
	case KindStruct:
		s, _ := root.Struct()
		return walkStructCaps(s, depth, visit)
	case KindList:
		l, _ := root.List()
		return walkListCaps(l, depth, visit)
	}
	return nil
}

func walkStructCaps(s Struct, depth int, visit CapVisitor) error {
	for i := 0; i < int(s.size.PtrWords); i++ {
		fp, err := s.Pointer(i)
		if err != nil {
			return rpcerr.Annotate("walk_caps.struct", err)
		}
		if !fp.IsValid() {
			continue
		}
		if fp.kind == KindInterface {
			np, err := visit(fp.capIndex)
			if err != nil {
				return err
			}
			if err := s.SetPointer(i, np); err != nil {
				return err
			}
			continue
		}
		if err := WalkCaps(fp, depth-1, visit); err != nil {
			return err
		}
	}
	return nil
}

func walkListCaps(l List, depth int, visit CapVisitor) error {
	switch l.elemSize {
	case SizeComposite:
		for i := 0; i < int(l.length); i++ {
			se, err := l.Struct(i)
			if err != nil {
				return err
			}
			if err := walkStructCaps(se, depth-1, visit); err != nil {
				return err
			}
		}
	case SizePointer:
		for i := 0; i < int(l.length); i++ {
			fp, err := l.PtrAt(i)
			if err != nil {
				return err
			}
			if !fp.IsValid() {
				continue
			}
			if fp.kind == KindInterface {
				np, err := visit(fp.capIndex)
				if err != nil {
					return err
				}
				if err := l.SetPtrAt(i, np); err != nil {
					return err
				}
				continue
			}
			if err := WalkCaps(fp, depth-1, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
