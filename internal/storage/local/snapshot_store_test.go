package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_PutSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutSnapshot(context.Background(), "snapshots/r1/1700000000.html", "text/html", []byte("<html>ok</html>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "snapshots", "r1", "1700000000.html"))
	require.NoError(t, err)
	require.Equal(t, []byte("<html>ok</html>"), data)
}

func TestSnapshotStore_RejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutSnapshot(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.ErrorContains(t, err, "path traversal")
}

func TestSnapshotStore_RequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestSnapshotStore_RequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutSnapshot(context.Background(), "  ", "text/html", []byte("x"))
	require.Error(t, err)
}
