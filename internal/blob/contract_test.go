package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"donationcore/internal/config"
	fsstore "donationcore/internal/infra/blob/fs"
	memorystore "donationcore/internal/infra/blob/memory"
	s3store "donationcore/internal/infra/blob/s3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": memorystore.New(),
		"fs":     fsStore,
		"s3":     s3store.NewMockForTests(),
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "webhooks/2025/03/01/evt_1.json"

			info, err := store.Put(ctx, key, strings.NewReader(`{"id":"evt_1"}`), PutOptions{ContentType: "application/json"})
			require.NoError(t, err)
			assert.Equal(t, key, info.Key)
			assert.EqualValues(t, len(`{"id":"evt_1"}`), info.Size)

			_, err = store.Put(ctx, key, strings.NewReader("again"), PutOptions{})
			require.ErrorIs(t, err, ErrExists)

			got, rc, err := store.Get(ctx, key)
			require.NoError(t, err)
			body, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, `{"id":"evt_1"}`, string(body))
			assert.Equal(t, "application/json", got.ContentType)

			_, err = store.Head(ctx, "webhooks/missing.json")
			require.ErrorIs(t, err, ErrNotFound)
			_, _, err = store.Get(ctx, "webhooks/missing.json")
			require.ErrorIs(t, err, ErrNotFound)

			_, err = store.Put(ctx, "webhooks/2025/03/02/evt_2.json", strings.NewReader("{}"), PutOptions{})
			require.NoError(t, err)
			_, err = store.Put(ctx, "other/evt_3.json", strings.NewReader("{}"), PutOptions{})
			require.NoError(t, err)

			listed, err := store.List(ctx, "webhooks/")
			require.NoError(t, err)
			require.Len(t, listed, 2)
			assert.Equal(t, key, listed[0].Key)
			assert.Equal(t, "webhooks/2025/03/02/evt_2.json", listed[1].Key)
		})
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, config.BlobConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, st.Driver())

	st, err = Open(ctx, config.BlobConfig{FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, st.Driver())

	_, err = Open(ctx, config.BlobConfig{Driver: "s3"})
	require.ErrorContains(t, err, "bucket required")

	_, err = Open(ctx, config.BlobConfig{Driver: "ftp"})
	require.ErrorContains(t, err, "unknown blob driver")
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	st, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "   ", "/etc/passwd", "../outside", "a/../../b"} {
		_, err := st.Put(context.Background(), key, strings.NewReader("x"), PutOptions{})
		assert.Error(t, err, key)
	}
}
