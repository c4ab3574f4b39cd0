package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/netparams"
)

// TestJoinCompletesAllParts covers spec §4.8.4 scenario S5: once every
// part named by part_count has arrived, every queued part's answer gets
// the same capability back.
func TestJoinCompletesAllParts(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	exportID, err := p.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)

	seg0, err := scratchSegment()
	require.NoError(t, err)
	target0, err := NewImportedCapTarget(seg0, uint32(exportID))
	require.NoError(t, err)
	msg0, err := NewJoinMessage(100, target0, netparams.JoinKeyPart{JoinID: 1, PartCount: 2, PartNum: 0})
	require.NoError(t, err)
	require.NoError(t, p.handleJoin(ctx, msg0))

	p.mu.Lock()
	_, js := p.joinStates[netparams.JoinKey{JoinID: 1, PartCount: 2}]
	p.mu.Unlock()
	require.True(t, js, "join state must persist until every part arrives")

	seg1, err := scratchSegment()
	require.NoError(t, err)
	target1, err := NewImportedCapTarget(seg1, 0)
	require.NoError(t, err)
	msg1, err := NewJoinMessage(101, target1, netparams.JoinKeyPart{JoinID: 1, PartCount: 2, PartNum: 1})
	require.NoError(t, err)
	require.NoError(t, p.handleJoin(ctx, msg1))

	p.mu.Lock()
	_, stillPending := p.joinStates[netparams.JoinKey{JoinID: 1, PartCount: 2}]
	_, q0 := p.pendingJoinQuestions[100]
	_, q1 := p.pendingJoinQuestions[101]
	p.mu.Unlock()
	require.False(t, stillPending, "join state must clear once complete")
	require.False(t, q0)
	require.False(t, q1)
}

// TestJoinDuplicatePartFailsOnlyThatPart ensures a duplicate part number
// produces an exception for that part alone without blocking the
// others (spec §4.8.4).
func TestJoinDuplicatePartFailsOnlyThatPart(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	exportID, err := p.AddExport(HandlerFunc(func(call Call, ret ReturnFunc) {}))
	require.NoError(t, err)

	seg, err := scratchSegment()
	require.NoError(t, err)
	target, err := NewImportedCapTarget(seg, uint32(exportID))
	require.NoError(t, err)
	part := netparams.JoinKeyPart{JoinID: 2, PartCount: 3, PartNum: 0}
	msg, err := NewJoinMessage(200, target, part)
	require.NoError(t, err)
	require.NoError(t, p.handleJoin(ctx, msg))

	seg2, err := scratchSegment()
	require.NoError(t, err)
	target2, err := NewImportedCapTarget(seg2, uint32(exportID))
	require.NoError(t, err)
	msg2, err := NewJoinMessage(201, target2, part) // same part_num=0 again
	require.NoError(t, err)
	require.NoError(t, p.handleJoin(ctx, msg2)) // reported via finalizeReturnException, not a returned error

	p.mu.Lock()
	_, firstStillQueued := p.pendingJoinQuestions[200]
	p.mu.Unlock()
	require.True(t, firstStillQueued, "the original part must survive a duplicate part number")
}
