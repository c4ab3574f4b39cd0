package rpc

import "github.com/vatwire/capnp/internal/rpcerr"

// idgen is a wrapping u32 id allocator: next() returns the first id not
// currently reported live by occupied, probing forward on collision.
// Exhausting the full 2^32 space fails QuestionIdExhausted rather than
// returning a duplicate (spec §3 next_question_id, Testable Property 8).
// The teacher's Conn keeps one of these per id namespace (questionID,
// exportID, embargoID); this module generalizes it to a single type
// shared across all three.
type idgen struct {
	next uint32
}

func (g *idgen) alloc(occupied func(id uint32) bool) (uint32, error) {
	start := g.next
	for {
		id := g.next
		g.next++
		if !occupied(id) {
			return id, nil
		}
		if g.next == start {
			return 0, rpcerr.New(rpcerr.KindQuestionIDExhausted, "idgen.alloc", "id space exhausted: every value in the 2^32 range is live")
		}
	}
}
