package rpc

import (
	"context"
	"sync"
)

// fakeTransport records every frame a Peer sends, for a test to pump
// into the other side of a wired pair. Mirrors the role a real
// transport.Transport plays without any actual network I/O (spec §1
// Non-goals).
type fakeTransport struct {
	mu      sync.Mutex
	outbox  [][]byte
	closed  bool
	closing bool
}

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.outbox = append(f.outbox, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.closing = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

func (f *fakeTransport) drain() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outbox
	f.outbox = nil
	return out
}

// wiredPair links two Peers back to back: frames either side sends land
// in the other's inbox, and pump drives HandleFrame until both sides
// stop producing new traffic (bounded, so a bug that loops forever
// fails the test instead of hanging it).
type wiredPair struct {
	a, b     *Peer
	ta, tb   *fakeTransport
}

func newWiredPair(aOpts, bOpts []PeerOption) *wiredPair {
	ta := &fakeTransport{}
	tb := &fakeTransport{}
	return &wiredPair{
		a:  NewPeer(ta, aOpts...),
		b:  NewPeer(tb, bOpts...),
		ta: ta,
		tb: tb,
	}
}

// pump delivers every currently queued frame on both sides, repeating
// until neither side produced anything new. Returns an error from the
// first HandleFrame call that failed, if any.
func (w *wiredPair) pump(ctx context.Context) error {
	for round := 0; round < 64; round++ {
		aOut := w.ta.drain()
		bOut := w.tb.drain()
		if len(aOut) == 0 && len(bOut) == 0 {
			return nil
		}
		for _, frame := range aOut {
			if err := w.b.HandleFrame(ctx, frame); err != nil {
				return err
			}
		}
		for _, frame := range bOut {
			if err := w.a.HandleFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
	return nil
}

func newTestContext() context.Context { return context.Background() }
