package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLookup_Get(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "projects": [
    {"id": "p1", "name": "Alpha", "files": [{"path": "test.spec.ts", "content": "ok"}]},
    {"id": "p2", "name": "Beta"}
  ]
}`), 0o644))

	lookup := NewFileLookup(logrus.New(), path)
	ctx := context.Background()

	t.Run("existing project", func(t *testing.T) {
		p, err := lookup.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Alpha", p.Name)
		require.Len(t, p.Files, 1)
		assert.Equal(t, "test.spec.ts", p.Files[0].Path)
	})

	t.Run("project without files", func(t *testing.T) {
		p, err := lookup.Get(ctx, "p2")
		require.NoError(t, err)
		assert.Empty(t, p.Files)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := lookup.Get(ctx, "p3")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFileLookup_MissingOrCorruptFile(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileLookup(logrus.New(), filepath.Join(dir, "missing.json")).
		Get(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))

	_, err = NewFileLookup(logrus.New(), corrupt).Get(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
