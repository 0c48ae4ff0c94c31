package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	*MemoryStore

	mu      sync.Mutex
	calls   []string
	release chan struct{}
	failing bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: NewMemoryStore(Options{})}
}

func (s *recordingStore) note(call string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	failing := s.failing
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if failing {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *recordingStore) GetUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := s.note("load:" + name); err != nil {
		return nil, err
	}
	return s.MemoryStore.GetUpdates(ctx, name)
}

func (s *recordingStore) StoreUpdate(ctx context.Context, name string, update []byte) error {
	if err := s.note("append:" + string(update)); err != nil {
		return err
	}
	return s.MemoryStore.StoreUpdate(ctx, name, update)
}

func (s *recordingStore) Compact(ctx context.Context, name string, state []byte) error {
	if err := s.note("compact:" + string(state)); err != nil {
		return err
	}
	return s.MemoryStore.Compact(ctx, name, state)
}

func (s *recordingStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestBridgeWritesInEnqueueOrder(t *testing.T) {
	store := newRecordingStore()
	bridge := NewBridge(store, BridgeOptions{Workers: 2})

	for i := 0; i < 5; i++ {
		bridge.OnUpdate("doc", []byte(fmt.Sprintf("u%d", i)))
	}
	require.NoError(t, bridge.Flush(context.Background(), "doc", []byte("state"), true))
	require.NoError(t, bridge.Close(context.Background()))

	require.Equal(t, []string{
		"append:u0", "append:u1", "append:u2", "append:u3", "append:u4", "compact:state",
	}, store.Calls())

	updates := bridge.Load(context.Background(), "doc")
	require.Len(t, updates, 6)
}

func TestBridgeOnUpdateNeverBlocks(t *testing.T) {
	store := newRecordingStore()
	store.release = make(chan struct{})
	bridge := NewBridge(store, BridgeOptions{Workers: 1, QueueSize: 1})

	start := time.Now()
	for i := 0; i < 20; i++ {
		bridge.OnUpdate("doc", []byte(fmt.Sprintf("u%d", i)))
	}
	require.Less(t, time.Since(start), time.Second)

	close(store.release)
	require.NoError(t, bridge.Close(context.Background()))

	calls := store.Calls()
	require.NotEmpty(t, calls)
	require.Less(t, len(calls), 20)
}

func TestBridgeLoadFailureStartsEmpty(t *testing.T) {
	store := newRecordingStore()
	require.NoError(t, store.MemoryStore.StoreUpdate(context.Background(), "doc", []byte("old")))
	store.failing = true

	bridge := NewBridge(store, BridgeOptions{})
	defer bridge.Close(context.Background())

	require.Empty(t, bridge.Load(context.Background(), "doc"))
	require.Error(t, bridge.Flush(context.Background(), "doc", []byte("state"), false))
}

func TestBridgeWithoutStoreIsNoop(t *testing.T) {
	bridge := NewBridge(nil, BridgeOptions{})

	require.False(t, bridge.Enabled())
	require.Nil(t, bridge.Load(context.Background(), "doc"))
	bridge.OnUpdate("doc", []byte("u"))
	require.NoError(t, bridge.Flush(context.Background(), "doc", []byte("state"), true))
	require.NoError(t, bridge.Close(context.Background()))
}

func TestBridgeFlushAfterCloseWritesDirectly(t *testing.T) {
	store := newRecordingStore()
	bridge := NewBridge(store, BridgeOptions{})
	require.NoError(t, bridge.Close(context.Background()))

	bridge.OnUpdate("doc", []byte("late"))
	require.NoError(t, bridge.Flush(context.Background(), "doc", []byte("state"), false))
	require.Equal(t, []string{"append:state"}, store.Calls())
}
