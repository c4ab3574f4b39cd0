package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/transport"
)

func buildFrame(segs [][]byte) []byte {
	sizes := make([]int, len(segs))
	for i, s := range segs {
		sizes[i] = len(s) / 8
	}
	out := transport.EncodeHeader(sizes)
	for _, s := range segs {
		out = append(out, s...)
	}
	return out
}

func TestFramerSingleFrame(t *testing.T) {
	f := transport.NewFramer()
	seg := make([]byte, 16)
	frame := buildFrame([][]byte{seg})

	f.Push(frame)
	got, ok, err := f.PopFrame()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frame, got)

	_, ok, err = f.PopFrame()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFramerPartialChunks(t *testing.T) {
	f := transport.NewFramer()
	frame := buildFrame([][]byte{make([]byte, 24), make([]byte, 8)})

	for i := 0; i < len(frame); i++ {
		f.Push(frame[i : i+1])
		got, ok, err := f.PopFrame()
		require.NoError(t, err)
		if i < len(frame)-1 {
			require.False(t, ok)
			continue
		}
		require.True(t, ok)
		require.Equal(t, frame, got)
	}
}

func TestFramerTwoFramesBackToBack(t *testing.T) {
	f := transport.NewFramer()
	a := buildFrame([][]byte{make([]byte, 8)})
	b := buildFrame([][]byte{make([]byte, 16), make([]byte, 8)})
	f.Push(a)
	f.Push(b)

	got1, ok, err := f.PopFrame()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got1)

	got2, ok, err := f.PopFrame()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b, got2)
}

func TestFramerRejectsTooManySegments(t *testing.T) {
	f := transport.NewFramer()
	hdr := transport.EncodeHeader(make([]int, transport.MaxSegments+1))
	f.Push(hdr)
	_, _, err := f.PopFrame()
	require.Error(t, err)

	// Sticky failure until Reset.
	_, _, err = f.PopFrame()
	require.Error(t, err)
	f.Reset()
	f.Push(buildFrame([][]byte{make([]byte, 8)}))
	_, ok, err := f.PopFrame()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFramerRejectsOversizeBody(t *testing.T) {
	f := transport.NewFramer()
	hdr := transport.EncodeHeader([]int{transport.MaxBodyWords + 1})
	f.Push(hdr)
	_, _, err := f.PopFrame()
	require.Error(t, err)
}
