package rpc

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/message"
	"github.com/vatwire/capnp/rpc/captable"
)

// TestBootstrapThenCallRoundTrip exercises the outbound Send* API end to
// end (spec §6 public API): A bootstraps B's registered capability, then
// calls a method on it, and B's Handler sees the call and replies.
func TestBootstrapThenCallRoundTrip(t *testing.T) {
	ctx := newTestContext()

	var sawInterfaceID uint64
	var sawMethodID uint16
	w := newWiredPair(nil, []PeerOption{WithBootstrap(HandlerFunc(func(call Call, ret ReturnFunc) {
		sawInterfaceID = call.InterfaceID
		sawMethodID = call.MethodID
		ret(func(seg *message.Segment) (message.Struct, error) {
			return message.NewStruct(seg, message.Size{DataWords: 1})
		}, nil)
	}))})

	var bootstrapCapID captable.ImportID
	bootstrapped := false
	_, err := w.a.SendBootstrap(ctx, func(r *ReturnMessage, caps *captable.InboundCapTable) {
		bootstrapped = true
		require.Equal(t, 1, caps.Len())
		resolved, err := caps.At(0)
		require.NoError(t, err)
		bootstrapCapID = resolved.ImportID
		if diff := pretty.Compare(captable.Imported(bootstrapCapID), resolved); diff != "" {
			t.Fatalf("bootstrap resolved to more than a bare import (spec §4.7.2): %s", diff)
		}
		caps.RetainIndex(0)
	})
	require.NoError(t, err)
	require.NoError(t, w.pump(ctx))
	require.True(t, bootstrapped)

	called := false
	_, err = w.a.SendCall(ctx, bootstrapCapID, 0xBEEF, 3, func(seg *message.Segment) (message.Struct, error) {
		return message.NewStruct(seg, message.Size{DataWords: 1})
	}, func(r *ReturnMessage, caps *captable.InboundCapTable) {
		called = true
		require.Equal(t, ReturnResults, r.Which())
	})
	require.NoError(t, err)
	require.NoError(t, w.pump(ctx))

	require.True(t, called)
	require.Equal(t, uint64(0xBEEF), sawInterfaceID)
	require.Equal(t, uint16(3), sawMethodID)
}

// TestSendReleaseRoundTrip exercises Release's counterpart path: A drops
// its reference to a bootstrapped capability, and B's export table
// entry is removed once the count reaches zero.
func TestSendReleaseRoundTrip(t *testing.T) {
	ctx := newTestContext()
	w := newWiredPair(nil, nil)

	exportID, err := w.b.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)

	require.NoError(t, w.a.SendRelease(ctx, captable.ImportID(exportID), 1))
	require.NoError(t, w.pump(ctx))

	w.b.mu.Lock()
	_, stillExported := w.b.exports[exportID]
	w.b.mu.Unlock()
	require.False(t, stillExported)
}
