package refs

import (
	"testing"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestAllocateLookupRelease(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()

	id := tbl.Allocate("payload", "demo.Information")
	require.Equal(t, int64(1), id)
	require.Equal(t, 1, tbl.Len())

	entry, err := tbl.Lookup(id)
	require.NoError(t, err)
	require.Equal(t, "payload", entry.Object)
	require.Equal(t, interop.Capability("demo.Information"), entry.Capability)

	require.NoError(t, tbl.Release(id))
	require.Equal(t, 0, tbl.Len())

	_, err = tbl.Lookup(id)
	require.ErrorIs(t, err, interop.ErrUnknownReference)
}

func TestLookupNilObjectIsNotUnknown(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	id := tbl.Allocate(nil, "demo.Empty")

	entry, err := tbl.Lookup(id)
	require.NoError(t, err)
	require.Nil(t, entry.Object)
}

func TestIdsAreNeverReused(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()

	first := tbl.Allocate("a", "c")
	require.NoError(t, tbl.Release(first))
	second := tbl.Allocate("b", "c")
	require.NotEqual(t, first, second)
	require.Greater(t, second, first)

	tbl.ReleaseAll()
	third := tbl.Allocate("c", "c")
	require.Greater(t, third, second)
	require.Equal(t, third, tbl.Issued())
}

func TestReleaseUnknownIsRecoverable(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable()
	id := tbl.Allocate("a", "c")

	require.ErrorIs(t, tbl.Release(99), interop.ErrUnknownReference)
	require.NoError(t, tbl.Release(id))
	require.ErrorIs(t, tbl.Release(id), interop.ErrUnknownReference)
	require.Equal(t, 0, tbl.Len())
}

func TestDeltaHookAndSnapshot(t *testing.T) {
	testlog.Start(t)
	total := 0
	tbl := NewTable(WithDeltaHook(func(d int) { total += d }))

	tbl.Allocate("a", "x")
	b := tbl.Allocate("b", "y")
	tbl.Allocate("c", "z")
	require.Equal(t, 3, total)

	require.NoError(t, tbl.Release(b))
	snap := tbl.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, int64(1), snap[0].ID)
	require.Equal(t, int64(3), snap[1].ID)

	require.Equal(t, 2, tbl.ReleaseAll())
	require.Equal(t, 0, total)
	require.Equal(t, 0, tbl.Len())
}
