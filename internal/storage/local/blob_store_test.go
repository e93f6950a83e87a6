package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "exports", "nested")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)
	})
	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		assert.Error(t, err)
	})
	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "batches/b1/items.json", "application/json",
		strings.NewReader(`[{"url":"https://a.example/1.jpg"}]`))
	require.NoError(t, err)

	want := filepath.Join(dir, "batches", "b1", "items.json")
	assert.Equal(t, "file://"+filepath.ToSlash(want), uri)
	data, err := os.ReadFile(want) // #nosec G304 -- test path
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"https://a.example/1.jpg"}]`, string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "batches", "b1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPutObjectOverwrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.json", "", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "a.json", "", strings.NewReader("second"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "a.json")) // #nosec G304 -- test path
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, path := range []string{"", "../escape.json", "a/../../escape.json", "."} {
		_, err := store.PutObject(context.Background(), path, "", strings.NewReader("x"))
		assert.Error(t, err, path)
	}
}

func TestPutObjectHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = store.PutObject(ctx, "a.json", "", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}
