package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/captable"
)

// TestThirdPartyAnswerBitPattern checks the adopted-answer bit pattern
// on the worked example's answer id 0x4000_0022 and on ids that break it
// (Testable Property 7).
func TestThirdPartyAnswerBitPattern(t *testing.T) {
	require.True(t, captable.IsThirdPartyAdopted(captable.AnswerID(0x4000_0022)))
	require.False(t, captable.IsThirdPartyAdopted(captable.AnswerID(0x0000_0022)))
	require.False(t, captable.IsThirdPartyAdopted(captable.AnswerID(0xC000_0022))) // high bit set disqualifies it
}

// TestThirdPartyAnswerArrivesAfterAwait covers the common ordering from
// scenario S6: our own Return carries awaitFromThirdParty first, and the
// ThirdPartyAnswer naming the same completion key arrives afterward.
func TestThirdPartyAnswerArrivesAfterAwait(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	oldQID, err := p.allocQuestion(nil)
	require.NoError(t, err)

	key := "completion-key-1"
	require.NoError(t, p.registerThirdPartyAwait(ctx, key, oldQID))

	p.mu.Lock()
	_, stillOld := p.questions[oldQID]
	p.mu.Unlock()
	require.True(t, stillOld, "question must not move until the ThirdPartyAnswer actually arrives")

	newAnswerID := uint32(0x4000_0030)
	taMsg, err := NewThirdPartyAnswerMessage(newAnswerID, []byte(key))
	require.NoError(t, err)
	require.NoError(t, p.handleThirdPartyAnswer(ctx, taMsg))

	p.mu.Lock()
	_, oldGone := p.questions[oldQID]
	newQ, newPresent := p.questions[captable.QuestionID(newAnswerID)]
	orig, hasReverse := p.adoptedThirdPartyAnswers[captable.AnswerID(newAnswerID)]
	p.mu.Unlock()
	require.False(t, oldGone)
	require.True(t, newPresent)
	require.Equal(t, oldQID, newQ.id)
	require.True(t, hasReverse)
	require.Equal(t, captable.AnswerID(oldQID), orig)
}

// TestThirdPartyAnswerArrivesBeforeAwait covers the reverse ordering:
// ThirdPartyAnswer shows up before our own question's Return carries
// awaitFromThirdParty.
func TestThirdPartyAnswerArrivesBeforeAwait(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	oldQID, err := p.allocQuestion(nil)
	require.NoError(t, err)

	key := "completion-key-2"
	newAnswerID := uint32(0x4000_0031)
	taMsg, err := NewThirdPartyAnswerMessage(newAnswerID, []byte(key))
	require.NoError(t, err)
	require.NoError(t, p.handleThirdPartyAnswer(ctx, taMsg))

	p.mu.Lock()
	_, buffered := p.pendingThirdPartyAnswers[key]
	p.mu.Unlock()
	require.True(t, buffered)

	require.NoError(t, p.registerThirdPartyAwait(ctx, key, oldQID))

	p.mu.Lock()
	_, oldGone := p.questions[oldQID]
	_, newPresent := p.questions[captable.QuestionID(newAnswerID)]
	_, stillBuffered := p.pendingThirdPartyAnswers[key]
	p.mu.Unlock()
	require.False(t, oldGone)
	require.True(t, newPresent)
	require.False(t, stillBuffered)
}

// TestThirdPartyAnswerRejectsBadBitPattern covers Testable Property 7's
// enforcement at the dispatch layer.
func TestThirdPartyAnswerRejectsBadBitPattern(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	taMsg, err := NewThirdPartyAnswerMessage(0x0000_0099, []byte("key"))
	require.NoError(t, err)
	err = p.handleThirdPartyAnswer(ctx, taMsg)
	require.Error(t, err)
}

// TestBufferedReturnReplaysOnAdoption covers the case where a Return for
// the new answer id arrives before adoption completes: handleReturn
// must buffer it, and adoption must replay it immediately.
func TestBufferedReturnReplaysOnAdoption(t *testing.T) {
	ctx := newTestContext()
	p := NewPeer(&fakeTransport{})

	newAnswerID := captable.AnswerID(0x4000_0040)

	// An exception return needs no results payload segment, making it the
	// simplest shape to hand-build for this buffered-return scenario.
	m, env, err := newEnvelope(TagReturn)
	require.NoError(t, err)
	seg := env.Segment()
	retStruct, err := allocVariant(env, sizeReturn)
	require.NoError(t, err)
	exc, err := NewException(seg, 0, "third party failed")
	require.NoError(t, err)
	require.NoError(t, retStruct.SetUint32(0, uint32(newAnswerID)))
	require.NoError(t, retStruct.SetUint16(6, uint16(ReturnException)))
	require.NoError(t, retStruct.SetPointer(0, exc.ToPtr()))
	bufferedReturn := &ReturnMessage{Msg: m, s: retStruct}

	require.NoError(t, p.handleReturn(ctx, bufferedReturn))
	p.mu.Lock()
	_, isBuffered := p.pendingThirdPartyReturns[newAnswerID]
	p.mu.Unlock()
	require.True(t, isBuffered)

	oldQID, err := p.allocQuestion(nil)
	require.NoError(t, err)
	var gotException string
	p.mu.Lock()
	p.questions[oldQID].onReturn = func(r *ReturnMessage, caps *captable.InboundCapTable) {
		if r.Which() == ReturnException {
			exc, _ := r.Exception()
			gotException, _ = exc.Reason()
		}
	}
	p.mu.Unlock()

	require.NoError(t, p.adoptThirdPartyQuestion(ctx, oldQID, newAnswerID))
	require.Equal(t, "third party failed", gotException)
}
