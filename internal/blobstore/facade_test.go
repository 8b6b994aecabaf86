package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyShape(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	key, err := GenerateKey("user! @domain.com", "upload", now)
	require.NoError(t, err)
	require.Regexp(t, `^2026/03/userdomaincom/upload_\d+_[0-9a-f]{16}$`, key)
}

func TestGenerateKeyTruncatesUserID(t *testing.T) {
	long := ""
	for i := 0; i < 80; i++ {
		long += "a"
	}
	id := safeUserID(long)
	require.Len(t, id, 50)
}

func TestFacadeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocalStore(dir)
	require.NoError(t, err)
	f := New(local)
	ctx := context.Background()

	meta, err := f.Store(ctx, "u1", "upload", []byte("hello"), "text/plain")
	require.NoError(t, err)
	require.EqualValues(t, 5, meta.Size)

	got, err := f.Get(ctx, meta.Key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	existed, err := f.Delete(ctx, meta.Key)
	require.NoError(t, err)
	require.True(t, existed)

	got, err = f.Get(ctx, meta.Key)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFacadeHealthCheck(t *testing.T) {
	dir := t.TempDir()
	local, err := NewLocalStore(dir)
	require.NoError(t, err)
	f := New(local)
	require.NoError(t, f.HealthCheck(context.Background()))
}
