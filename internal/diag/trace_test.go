package diag_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/vatwire/capnp/internal/diag"
)

func TestTraceRingBufferEvictsOldest(t *testing.T) {
	tr := diag.NewTrace(2)
	tr.Record("a", "first", nil)
	tr.Record("b", "second", nil)
	tr.Record("c", "third", errors.New("boom"))

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "b", snap[0].Tag)
	require.Equal(t, "c", snap[1].Tag)
	require.Equal(t, "boom", snap[1].Err)
}

func TestDumpMsgpackIsValid(t *testing.T) {
	tr := diag.NewTrace(4)
	tr.Record("call", "q=1", nil)
	raw := tr.DumpMsgpack()

	sz, rest, err := msgp.ReadArrayHeaderBytes(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sz)
	require.NotEmpty(t, rest)
}
