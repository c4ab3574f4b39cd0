package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/captable"
)

// TestDisembargoLoopbackRoundTrip exercises spec §4.8.2's ordering
// handshake: A resolves a promise to a capability B hosts, sends
// senderLoopback, B echoes receiverLoopback once it confirms the
// target names one of its own exports, and A's embargo clears.
func TestDisembargoLoopbackRoundTrip(t *testing.T) {
	ctx := newTestContext()
	w := newWiredPair(nil, nil)

	hostedID, err := w.b.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)

	promiseID := captable.ImportID(hostedID)
	ri := &resolvedImportState{resolved: captable.Imported(captable.ImportID(hostedID))}
	w.a.mu.Lock()
	w.a.resolvedImports[promiseID] = ri
	w.a.mu.Unlock()

	require.NoError(t, w.a.sendSenderLoopback(ctx, promiseID, ri))
	require.NoError(t, w.pump(ctx))

	w.a.mu.Lock()
	pending := len(w.a.pendingEmbargoes)
	embargoed := ri.embargoed
	w.a.mu.Unlock()

	require.Zero(t, pending, "embargo should be cleared once receiverLoopback arrives")
	require.False(t, embargoed)
}

// TestHandleSenderLoopbackRejectsUnknownExport ensures a senderLoopback
// naming a target this peer never exported is reported rather than
// silently echoed (spec §4.8.2, Testable Property 6).
func TestHandleSenderLoopbackRejectsUnknownExport(t *testing.T) {
	ctx := newTestContext()
	w := newWiredPair(nil, nil)

	d, err := NewDisembargoSenderLoopbackMessage(7, MessageTarget{})
	require.NoError(t, err)
	target, err := NewImportedCapTarget(d.s.Segment(), 999)
	require.NoError(t, err)
	require.NoError(t, d.s.SetPointer(0, target.ToPtr()))

	err = w.b.handleDisembargo(ctx, d)
	require.Error(t, err)
}

// TestDisembargoAcceptReleasesParkedAcceptsInOrder exercises spec
// §4.8.3's requirement that parked Accepts drain in arrival order once
// the matching Disembargo(accept, key) arrives.
func TestDisembargoAcceptReleasesParkedAcceptsInOrder(t *testing.T) {
	ctx := newTestContext()
	ft := &fakeTransport{}
	p := NewPeer(ft)

	h := HandlerFunc(func(call Call, ret ReturnFunc) {})
	ps := &provideState{answerID: 1, handler: h}

	key := "embargo-key-1"
	p.mu.Lock()
	p.pendingAcceptsByEmbargo[key] = []*pendingAccept{
		{answerID: 10, ps: ps},
		{answerID: 11, ps: ps},
		{answerID: 12, ps: ps},
	}
	for _, id := range []captable.AnswerID{10, 11, 12} {
		p.answers[id] = &answer{id: id}
	}
	p.mu.Unlock()

	require.NoError(t, p.releaseParkedAccepts(ctx, key))

	p.mu.Lock()
	remaining := len(p.pendingAcceptsByEmbargo[key])
	p.mu.Unlock()
	require.Zero(t, remaining)

	var order []uint32
	for _, frame := range ft.drain() {
		m, err := DecodeFrame(frame)
		require.NoError(t, err)
		tag, s, err := DecodeEnvelope(m)
		require.NoError(t, err)
		require.Equal(t, TagReturn, tag)
		order = append(order, AsReturnMessage(m, s).AnswerID())
	}
	require.Equal(t, []uint32{10, 11, 12}, order)
}
