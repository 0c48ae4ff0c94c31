package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyOpener struct {
	up       atomic.Bool
	attempts atomic.Int32
	store    *MemoryStore
}

func newFlakyOpener() *flakyOpener {
	return &flakyOpener{store: NewMemoryStore(Options{})}
}

func (o *flakyOpener) open(context.Context) (Store, error) {
	o.attempts.Add(1)
	if !o.up.Load() {
		return nil, errors.New("connection refused")
	}
	return o.store, nil
}

func TestReconnectingStoreOpensOnceReachable(t *testing.T) {
	ctx := context.Background()
	opener := newFlakyOpener()
	store := NewReconnectingStore(opener.open, ReconnectOptions{MinBackoff: 20 * time.Millisecond})

	err := store.Ping(ctx)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Contains(t, err.Error(), "connection refused")
	require.Nil(t, store.Current())
	require.Nil(t, Unwrap(store))

	// within the backoff interval calls fail without another attempt
	_, err = store.GetUpdates(ctx, "plan")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, int32(1), opener.attempts.Load())

	opener.up.Store(true)
	require.Eventually(t, func() bool {
		return store.StoreUpdate(ctx, "plan", []byte("delta")) == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Same(t, opener.store, Unwrap(store))
	updates, err := store.GetUpdates(ctx, "plan")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("delta")}, updates)

	attempts := opener.attempts.Load()
	require.NoError(t, store.Ping(ctx))
	require.Equal(t, attempts, opener.attempts.Load())
}

func TestReconnectingStoreBackoffGrows(t *testing.T) {
	opener := newFlakyOpener()
	store := NewReconnectingStore(opener.open, ReconnectOptions{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond})

	for i := 0; i < 4; i++ {
		_ = store.Ping(context.Background())
		store.mu.Lock()
		store.nextTry = time.Time{}
		store.mu.Unlock()
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 40*time.Millisecond, store.delay)
}

func TestReconnectingStoreDoesNotRetryInvalidURI(t *testing.T) {
	var attempts atomic.Int32
	store := NewReconnectingStore(func(ctx context.Context) (Store, error) {
		attempts.Add(1)
		return Open(ctx, "ftp://example.com/docs", Options{})
	}, ReconnectOptions{MinBackoff: time.Millisecond})

	require.ErrorIs(t, store.Ping(context.Background()), ErrInvalidURI)
	time.Sleep(5 * time.Millisecond)
	require.ErrorIs(t, store.Ping(context.Background()), ErrInvalidURI)
	require.Equal(t, int32(1), attempts.Load())
}

func TestReconnectingStoreCloseReleasesStore(t *testing.T) {
	opener := newFlakyOpener()
	opener.up.Store(true)
	store := NewReconnectingStore(opener.open, ReconnectOptions{})

	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close(context.Background()))
	require.ErrorIs(t, store.Ping(context.Background()), ErrStoreUnavailable)
	require.Nil(t, store.Current())
}

func TestBridgeResumesWhenStoreRecovers(t *testing.T) {
	ctx := context.Background()
	opener := newFlakyOpener()
	bridge := NewBridge(NewReconnectingStore(opener.open, ReconnectOptions{MinBackoff: 10 * time.Millisecond}), BridgeOptions{})
	defer bridge.Close(ctx)

	require.True(t, bridge.Enabled())
	require.Empty(t, bridge.Load(ctx, "plan"))
	require.ErrorIs(t, bridge.Flush(ctx, "plan", []byte("state-1"), false), ErrStoreUnavailable)

	opener.up.Store(true)
	require.Eventually(t, func() bool {
		return bridge.Flush(ctx, "plan", []byte("state-2"), false) == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, [][]byte{[]byte("state-2")}, bridge.Load(ctx, "plan"))
}
