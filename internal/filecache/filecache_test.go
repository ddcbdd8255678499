package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ferrovm/ferro/internal/ir"
)

func TestCache_roundTrip(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	key := ModuleKey([]byte("module-a"))

	_, ok, err := c.Get(key, 0)
	require.NoError(t, err)
	require.False(t, ok)

	f := &ir.Function{
		Instrs: []ir.Instr{
			{Op: ir.OpConst, U1: 7},
			{Op: ir.OpBrTable, Targets: []ir.BranchTarget{{PC: 1, DropKeep: ir.PackDropKeep(1, 0)}}},
			{Op: ir.OpReturn},
		},
		NumParams:      1,
		NumResults:     1,
		MaxStackHeight: 2,
	}
	require.NoError(t, c.Put(key, 0, f))

	got, ok, err := c.Get(key, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f, got)

	// Entries are per function index and per module key.
	_, ok, err = c.Get(key, 1)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = c.Get(ModuleKey([]byte("module-b")), 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_corruptEntryIsMissAndRemoved(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	key := ModuleKey([]byte("m"))

	require.NoError(t, os.WriteFile(c.path(key, 3), []byte("not cbor at all"), 0o644))
	_, ok, err := c.Get(key, 3)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = os.Stat(c.path(key, 3))
	require.True(t, os.IsNotExist(err))
}

func TestCache_putLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Put(ModuleKey([]byte("m")), 0, &ir.Function{}))

	leftovers, err := filepath.Glob(filepath.Join(dir, "put-*"))
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestNew_rejectsUnusableDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "occupied")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := New(filepath.Join(file, "sub"))
	require.Error(t, err)
}
