package docsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabhub/internal/crdt"
)

type fakeBridge struct {
	mu        sync.Mutex
	history   map[string][][]byte
	appended  map[string][][]byte
	flushes   map[string]int
	events    []string
	loadGate  chan struct{}
	flushGate chan struct{}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		history:  make(map[string][][]byte),
		appended: make(map[string][][]byte),
		flushes:  make(map[string]int),
	}
}

func (b *fakeBridge) record(event string) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *fakeBridge) Load(_ context.Context, name string) [][]byte {
	b.record("load:" + name)
	if b.loadGate != nil {
		<-b.loadGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.history[name]...)
}

func (b *fakeBridge) OnUpdate(name string, delta []byte) {
	b.mu.Lock()
	b.appended[name] = append(b.appended[name], delta)
	b.mu.Unlock()
}

func (b *fakeBridge) Flush(ctx context.Context, name string, state []byte, _ bool) error {
	if b.flushGate != nil {
		select {
		case <-b.flushGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.flushes[name]++
	b.history[name] = [][]byte{state}
	b.mu.Unlock()
	b.record("flush:" + name)
	return nil
}

func (b *fakeBridge) Flushes(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes[name]
}

func (b *fakeBridge) Appended(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.appended[name]...)
}

func (b *fakeBridge) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	pings  int
	closed bool
	onPing func() error
	close  func()
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) SendBinary(data []byte) error {
	p.mu.Lock()
	p.frames = append(p.frames, data)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Ping() error {
	p.mu.Lock()
	p.pings++
	onPing := p.onPing
	p.mu.Unlock()
	if onPing != nil {
		return onPing()
	}
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	fn := p.close
	p.mu.Unlock()
	if !already && fn != nil {
		fn()
	}
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

func update(t *testing.T, entries ...string) []byte {
	t.Helper()
	raw := make([][]byte, len(entries))
	for i, e := range entries {
		raw[i] = []byte(e)
	}
	u, err := crdt.EncodeUpdate(raw)
	require.NoError(t, err)
	return u
}

func entriesOf(t *testing.T, u []byte) []string {
	t.Helper()
	raw, err := crdt.DecodeUpdate(u)
	require.NoError(t, err)
	out := make([]string, len(raw))
	for i, e := range raw {
		out[i] = string(e)
	}
	return out
}
