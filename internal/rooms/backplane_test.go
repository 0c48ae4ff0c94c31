package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// bus is an in-process backplane shared by several engines.
type bus struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *bus) Publish(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		ch <- data
	}
	return nil
}

func (b *bus) Subscribe(ctx context.Context, handle func([]byte)) error {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-ch:
			handle(data)
		}
	}
}

func (b *bus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func runEngine(t *testing.T, b *bus, instance string) *Engine {
	t.Helper()
	engine := NewEngine()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, b, RelayOptions{InstanceID: instance}) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return engine
}

func TestBackplaneRedeliversOnOtherInstances(t *testing.T) {
	b := &bus{}
	first := runEngine(t, b, "one")
	second := runEngine(t, b, "two")
	require.Eventually(t, func() bool { return b.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	local, sender := newRecorder("local"), newRecorder("sender")
	remote := newRecorder("remote")
	room := ChatRoom("shared")
	first.Join(room, sender, Presence{})
	first.Join(room, local, Presence{})
	second.Join(room, remote, Presence{})

	require.Eventually(t, func() bool {
		// Publishing before the relay is attached only reaches local members.
		return first.Broadcast(room, KindReactionSent, "👍", "sender") == 1 && len(remote.Events()) > 0
	}, time.Second, 10*time.Millisecond)

	// The origin instance never re-delivers its own events.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, len(remote.Events()), len(local.Events()))
	require.Empty(t, sender.Events())
	require.Equal(t, KindReactionSent, remote.Events()[0].Kind)
}

func TestBackplaneKeepsExclusionAcrossInstances(t *testing.T) {
	b := &bus{}
	first := runEngine(t, b, "one")
	second := runEngine(t, b, "two")
	require.Eventually(t, func() bool { return b.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	// The same member id on the other instance is still the sender.
	twin, other := newRecorder("dup"), newRecorder("other")
	second.Join(VideoRoom("v"), twin, Presence{})
	second.Join(VideoRoom("v"), other, Presence{})

	require.Eventually(t, func() bool {
		first.Broadcast(VideoRoom("v"), KindPeerLeft, "peer", "dup")
		return len(other.Events()) > 0
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, twin.Events())
}

func TestReceiveIgnoresMalformedMessages(t *testing.T) {
	engine := NewEngine()
	r := newRelay(engine, &bus{}, RelayOptions{})
	require.NotEmpty(t, r.origin)
	require.NotPanics(t, func() { r.receive([]byte("{not json")) })
}
