package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/captable"
	"github.com/vatwire/capnp/rpc/netparams"
)

// TestProvideAcceptNoEmbargo covers spec §4.8.3's plain path: a Provide
// registers a capability for pickup, and an Accept naming the same
// recipient with no embargo gets it back immediately.
func TestProvideAcceptNoEmbargo(t *testing.T) {
	ctx := newTestContext()
	w := newWiredPair(nil, nil)

	exportID, err := w.b.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)

	recipient := netparams.NewRecipientKey()
	_, err = w.a.SendProvide(ctx, exportID, recipient, func(r *ReturnMessage, caps *captable.InboundCapTable) {})
	require.NoError(t, err)
	require.NoError(t, w.pump(ctx))

	var acceptedCap *captable.InboundCapTable
	_, err = w.a.SendAccept(ctx, recipient, nil, func(r *ReturnMessage, caps *captable.InboundCapTable) {
		acceptedCap = caps
	})
	require.NoError(t, err)
	require.NoError(t, w.pump(ctx))

	require.NotNil(t, acceptedCap)
	require.Equal(t, 1, acceptedCap.Len())
}

// TestAcceptUnknownProvisionFails exercises the "unknown provision"
// exception path (spec §4.8.3) for an Accept naming a recipient no
// Provide ever registered. The exception goes out as a Return, not a
// returned Go error, so handleAccept itself still reports success here.
func TestAcceptUnknownProvisionFails(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	msg, err := NewAcceptMessage(1, netparams.NewRecipientKey(), nil)
	require.NoError(t, err)
	require.NoError(t, p.handleAccept(ctx, msg))
}

// TestProvideDuplicateRecipientRejected covers Invariant 8's two
// consistent indexes: a second Provide naming a recipient already
// pending must fail rather than silently overwrite the first.
func TestProvideDuplicateRecipientRejected(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	exportID, err := p.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)
	recipient := netparams.NewRecipientKey()

	seg, err := scratchSegment()
	require.NoError(t, err)
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	require.NoError(t, err)
	msg1, err := NewProvideMessage(1, target, recipient)
	require.NoError(t, err)
	require.NoError(t, p.handleProvide(ctx, msg1))

	seg2, err := scratchSegment()
	require.NoError(t, err)
	target2, err := NewImportedCapTarget(seg2, uint32(exportID))
	require.NoError(t, err)
	msg2, err := NewProvideMessage(2, target2, recipient)
	require.NoError(t, err)
	require.Error(t, p.handleProvide(ctx, msg2)) // a duplicate recipient aborts the connection

	p.mu.Lock()
	_, stillThere := p.providesByQuestion[1]
	p.mu.Unlock()
	require.True(t, stillThere, "the first provide must survive a duplicate recipient attempt")
}

// TestFinishVanishesProvideBeforeAccept covers the Finish/Provide race
// (spec §4.8.3): a provide whose answer is finished before any Accept
// arrives leaves later accepts failing with unknown_provision instead of
// being parked.
func TestFinishVanishesProvideBeforeAccept(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	exportID, err := p.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)
	recipient := netparams.NewRecipientKey()

	seg, err := scratchSegment()
	require.NoError(t, err)
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	require.NoError(t, err)
	provideMsg, err := NewProvideMessage(5, target, recipient)
	require.NoError(t, err)
	require.NoError(t, p.handleProvide(ctx, provideMsg))

	fin, err := NewFinishMessage(5, false, false)
	require.NoError(t, err)
	require.NoError(t, p.handleFinish(ctx, fin))

	p.mu.Lock()
	_, stillRegistered := p.provideByRecipient[recipient]
	p.mu.Unlock()
	require.False(t, stillRegistered, "finished provide must drop its recipient index")

	acceptMsg, err := NewAcceptMessage(6, recipient, []byte("k"))
	require.NoError(t, err)
	require.NoError(t, p.handleAccept(ctx, acceptMsg))

	p.mu.Lock()
	_, parked := p.pendingAcceptEmbargoByQuestion[6]
	p.mu.Unlock()
	require.False(t, parked, "an accept against a vanished provide is never parked")
}
