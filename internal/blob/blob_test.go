package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte("9903.88.03 additional 25 percent")
	key := Key(Hash(data))

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, key, data, "text/plain"))
	require.NoError(t, s.Put(ctx, key, data, "text/plain"), "second put is a no-op")

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, DriverMemory, m.Driver())
}

func TestFilesystem(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, fs)
}

func TestFilesystem_RejectsTraversal(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, fs.Put(context.Background(), "../escape", []byte("x"), ""))
	assert.Error(t, fs.Put(context.Background(), "/abs", []byte("x"), ""))
}

func TestKey(t *testing.T) {
	h := Hash([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	assert.Equal(t, "sha256/ba/78/"+h, Key(h))
	assert.Equal(t, "sha256/ab", Key("ab"))
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), config.BlobConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(context.Background(), config.BlobConfig{Driver: "fs", Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(context.Background(), config.BlobConfig{Driver: "s3"})
	assert.Error(t, err, "bucket is required")

	_, err = Open(context.Background(), config.BlobConfig{Driver: "tape"})
	assert.Error(t, err)
}
