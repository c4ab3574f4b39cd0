package captable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vatwire/capnp/rpc/captable"
)

func TestRefCountingPresenceMatchesDelta(t *testing.T) {
	tbl := captable.New(nil)
	id := captable.LocalID(7)

	require.False(t, tbl.HasImport(id))

	require.NoError(t, tbl.NoteImport(id))
	require.True(t, tbl.HasImport(id))
	require.Equal(t, uint32(1), tbl.ImportRefCount(id))

	require.NoError(t, tbl.NoteImport(id))
	require.Equal(t, uint32(2), tbl.ImportRefCount(id))

	zero, err := tbl.ReleaseImport(id, 1)
	require.NoError(t, err)
	require.False(t, zero)
	require.True(t, tbl.HasImport(id))

	zero, err = tbl.ReleaseImport(id, 1)
	require.NoError(t, err)
	require.True(t, zero)
	require.False(t, tbl.HasImport(id))
}

func TestAllocLocalCapIDAvoidsCollisionAcrossNamespaces(t *testing.T) {
	tbl := captable.New(nil)
	id1, err := tbl.AllocLocalCapID()
	require.NoError(t, err)
	tbl.MarkPromisedExport(id1)

	id2, err := tbl.AllocLocalCapID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.NoError(t, tbl.NoteImport(id2))

	id3, err := tbl.AllocLocalCapID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
}

func TestCapTableFullAtLimit(t *testing.T) {
	tbl := captable.New(nil)
	for i := 0; i < captable.MaxEntries; i++ {
		id, err := tbl.AllocLocalCapID()
		require.NoError(t, err)
		tbl.MarkPromisedExport(id)
	}
	_, err := tbl.AllocLocalCapID()
	require.Error(t, err)
}

func TestInboundCapTableRollsBackOnFailure(t *testing.T) {
	tbl := captable.New(nil)
	descs := []captable.Descriptor{
		{Kind: captable.DescSenderHosted, ID: 1},
		{Kind: captable.DescSenderHosted, ID: 2},
		{Kind: captable.DescriptorKind(99)}, // invalid, triggers rollback
	}
	_, err := captable.BuildInboundCapTable(tbl, descs)
	require.Error(t, err)
	require.False(t, tbl.HasImport(captable.LocalID(1)))
	require.False(t, tbl.HasImport(captable.LocalID(2)))
}

func TestInboundCapTableReleaseDropsUnretainedImports(t *testing.T) {
	tbl := captable.New(nil)
	descs := []captable.Descriptor{
		{Kind: captable.DescSenderHosted, ID: 10},
		{Kind: captable.DescSenderHosted, ID: 11},
	}
	ict, err := captable.BuildInboundCapTable(tbl, descs)
	require.NoError(t, err)
	ict.RetainIndex(0)

	dropped := ict.Release()
	require.Equal(t, []captable.ImportID{11}, dropped)
	require.True(t, tbl.HasImport(captable.LocalID(10)))
	require.False(t, tbl.HasImport(captable.LocalID(11)))
}
