// Package diag implements a bounded diagnostic trace for the peer: a
// ring buffer of recent protocol events, each msgpack-encoded with the
// tinylib/msgp runtime appenders (no code generation involved — just the
// byte-level Append* helpers the generated code would itself call).
// Peers expose the trace so a postmortem on an aborted connection can
// dump the last N dispatch decisions without wiring in a full logging
// framework.
package diag

import (
	"sync"

	"github.com/tinylib/msgp/msgp"
)

// Event is one recorded protocol-level occurrence (an inbound/outbound
// message, a state transition, or a warning).
type Event struct {
	Seq     uint64
	Tag     string
	Detail  string
	Err     string
}

func (e Event) appendMsgp(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 4)
	b = msgp.AppendString(b, "seq")
	b = msgp.AppendUint64(b, e.Seq)
	b = msgp.AppendString(b, "tag")
	b = msgp.AppendString(b, e.Tag)
	b = msgp.AppendString(b, "detail")
	b = msgp.AppendString(b, e.Detail)
	b = msgp.AppendString(b, "err")
	b = msgp.AppendString(b, e.Err)
	return b
}

// Trace is a fixed-capacity ring buffer of Events, safe for concurrent
// use (the send/receive goroutines of a peer may both record into it).
type Trace struct {
	mu    sync.Mutex
	cap   int
	buf   []Event
	next  int
	count uint64
}

// NewTrace returns a Trace holding at most capacity events.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 256
	}
	return &Trace{cap: capacity, buf: make([]Event, 0, capacity)}
}

// Record appends an event, evicting the oldest once the ring is full.
func (t *Trace) Record(tag, detail string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Event{Seq: t.count, Tag: tag, Detail: detail}
	if err != nil {
		e.Err = err.Error()
	}
	t.count++
	if len(t.buf) < t.cap {
		t.buf = append(t.buf, e)
		return
	}
	t.buf[t.next] = e
	t.next = (t.next + 1) % t.cap
}

// Snapshot returns the recorded events in chronological order.
func (t *Trace) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, 0, len(t.buf))
	if len(t.buf) < t.cap {
		out = append(out, t.buf...)
		return out
	}
	out = append(out, t.buf[t.next:]...)
	out = append(out, t.buf[:t.next]...)
	return out
}

// DumpMsgpack encodes the current snapshot as a single msgpack array,
// suitable for writing to a postmortem file.
func (t *Trace) DumpMsgpack() []byte {
	events := t.Snapshot()
	b := msgp.AppendArrayHeader(nil, uint32(len(events)))
	for _, e := range events {
		b = e.appendMsgp(b)
	}
	return b
}
