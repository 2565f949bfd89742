package pipeline

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceCreatesPerRunRoots(t *testing.T) {
	fsys := memfs.New()

	a, err := NewWorkspace(fsys, "/var/lib/conveyor", "run-1")
	require.NoError(t, err)
	b, err := NewWorkspace(fsys, "/var/lib/conveyor", "run-2")
	require.NoError(t, err)

	assert.NotEqual(t, a.Root(), b.Root(), "concurrent runs must not share volumes")
	assert.NotEqual(t, a.CacheDir(), b.CacheDir())

	for _, dir := range []string{a.SourceDir(), a.CacheDir(), b.SourceDir(), b.CacheDir()} {
		info, err := fsys.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestWorkspaceCleanup(t *testing.T) {
	fsys := memfs.New()
	ws, err := NewWorkspace(fsys, "/var/lib/conveyor", "run-1")
	require.NoError(t, err)

	require.NoError(t, util.WriteFile(fsys, ws.SourceDir()+"/main.go", []byte("package main"), 0o644))
	require.NoError(t, ws.Cleanup())

	_, err = fsys.Stat(ws.Root())
	assert.Error(t, err)
}

func TestWorkspaceRequiresRunID(t *testing.T) {
	_, err := NewWorkspace(memfs.New(), "/var/lib/conveyor", "")
	assert.Error(t, err)
}
