package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenSelectsStoreByScheme(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "", Options{})
	require.ErrorIs(t, err, ErrStoreDisabled)

	mem, err := Open(ctx, "memory://", Options{})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, mem)

	sqlStore, err := Open(ctx, "sqlite://:memory:", Options{})
	require.NoError(t, err)
	require.IsType(t, &SQLStore{}, sqlStore)
	require.NoError(t, sqlStore.Ping(ctx))
	require.NoError(t, sqlStore.Close(ctx))

	_, err = Open(ctx, "ftp://example.com/docs", Options{})
	require.ErrorIs(t, err, ErrInvalidURI)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	require.Equal(t, 100, opts.FlushSize)
	require.Equal(t, "yjs-documents", opts.Collection)
	require.Positive(t, opts.Timeout)
}

func TestOpenMongoStoreRejectsMalformedURI(t *testing.T) {
	_, err := OpenMongoStore(context.Background(), "mongodb://host:notaport/docs", Options{})
	require.ErrorIs(t, err, ErrInvalidURI)
	require.ErrorContains(t, err, "parse mongo uri")
}
