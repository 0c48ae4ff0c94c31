// Package docsync serves document synchronization connections: one in-memory session per
// document, shared by every connection editing it and backed by the persistence bridge.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/internal/persistence"
	"github.com/charlesng35/collabhub/pkg/logger"
)

// ErrSessionClosed is returned by Attach when the session was evicted before the peer could
// attach. Callers acquire again.
var ErrSessionClosed = errors.New("docsync: session closed")

const defaultFlushTimeout = 10 * time.Second

// Bridge is the persistence surface the registry relies on.
type Bridge interface {
	Load(ctx context.Context, name string) [][]byte
	OnUpdate(name string, delta []byte)
	Flush(ctx context.Context, name string, state []byte, compact bool) error
}

var _ Bridge = (*persistence.Bridge)(nil)

// RegistryOptions tune session lifecycle.
type RegistryOptions struct {
	// GC is the default for sessions acquired without WithGC.
	GC           bool
	FlushTimeout time.Duration
}

// SessionOption customises a session when Acquire creates it.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	gc bool
}

// WithGC sets whether the final flush of the session compacts the stored log.
func WithGC(gc bool) SessionOption {
	return func(cfg *sessionConfig) { cfg.gc = gc }
}

// Registry guarantees at most one live session per document name.
type Registry struct {
	bridge Bridge
	opts   RegistryOptions
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	flushing map[string]chan struct{}
}

// NewRegistry returns an empty registry writing through bridge.
func NewRegistry(bridge Bridge, opts RegistryOptions) *Registry {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	return &Registry{
		bridge:   bridge,
		opts:     opts,
		log:      logger.WithModule("docsync"),
		sessions: make(map[string]*Session),
		flushing: make(map[string]chan struct{}),
	}
}

// Acquire returns the live session for name, creating it when absent. A new session loads
// its history in the background; when a previous session for the same name is still
// flushing, the load waits for that flush.
func (r *Registry) Acquire(name string, opts ...SessionOption) *Session {
	cfg := sessionConfig{gc: r.opts.GC}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	if s, ok := r.sessions[name]; ok {
		r.mu.Unlock()
		return s
	}
	s := newSession(name, cfg.gc, r.log, r.bridge.OnUpdate)
	r.sessions[name] = s
	prevFlush := r.flushing[name]
	r.mu.Unlock()

	monitoring.AdjustDocumentSessions(1)
	go r.load(s, prevFlush)
	return s
}

func (r *Registry) load(s *Session, prevFlush <-chan struct{}) {
	if prevFlush != nil {
		<-prevFlush
	}

	history := r.bridge.Load(context.Background(), s.name)
	if merged := s.completeLoad(history); merged != nil {
		r.bridge.OnUpdate(s.name, merged)
	}
	r.log.Debug("document loaded",
		zap.String("document", s.name),
		zap.Int("stored_updates", len(history)),
	)
}

// Attach records peer's interest in s.
func (r *Registry) Attach(s *Session, peer Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.peers[peer.ID()] = peer
	return nil
}

// Detach removes peer from s. Removing the last peer evicts the session and flushes its
// final state exactly once.
func (r *Registry) Detach(s *Session, peer Peer) error {
	r.mu.Lock()
	s.mu.Lock()
	delete(s.peers, peer.ID())
	evict := len(s.peers) == 0 && !s.closed
	var done chan struct{}
	if evict {
		s.closed = true
		if r.sessions[s.name] == s {
			delete(r.sessions, s.name)
		}
		done = make(chan struct{})
		r.flushing[s.name] = done
	}
	s.mu.Unlock()
	r.mu.Unlock()

	if !evict {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	err := r.finalize(ctx, s)

	r.mu.Lock()
	if r.flushing[s.name] == done {
		delete(r.flushing, s.name)
	}
	r.mu.Unlock()
	close(done)
	return err
}

// finalize writes the final state of an evicted session.
func (r *Registry) finalize(ctx context.Context, s *Session) error {
	select {
	case <-s.loaded:
	case <-ctx.Done():
		return fmt.Errorf("flush %q: %w", s.name, ctx.Err())
	}

	defer func() {
		monitoring.AdjustDocumentSessions(-1)
		monitoring.RecordDocumentSessionClosed(time.Since(s.created))
	}()

	state, err := s.doc.EncodeStateAsUpdate()
	if err != nil {
		return fmt.Errorf("encode %q: %w", s.name, err)
	}
	if err := r.bridge.Flush(ctx, s.name, state, s.gc); err != nil {
		return fmt.Errorf("flush %q: %w", s.name, err)
	}
	r.log.Debug("document flushed", zap.String("document", s.name), zap.Bool("gc", s.gc))
	return nil
}

// Get returns the live session for name, if any.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// FlushDirty writes the state of every live session changed since its last flush.
func (r *Registry) FlushDirty(ctx context.Context) (int, error) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var (
		flushed int
		errs    error
	)
	for _, s := range sessions {
		select {
		case <-s.loaded:
		default:
			continue
		}
		if !s.takeDirty() {
			continue
		}
		state, err := s.doc.EncodeStateAsUpdate()
		if err == nil {
			err = r.bridge.Flush(ctx, s.name, state, s.gc)
		}
		if err != nil {
			s.markDirty()
			errs = multierr.Append(errs, fmt.Errorf("flush %q: %w", s.name, err))
			continue
		}
		flushed++
	}
	return flushed, errs
}

// Shutdown evicts and flushes every live session, then waits for evictions already in
// progress, all bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for name, s := range r.sessions {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		sessions = append(sessions, s)
		delete(r.sessions, name)
	}
	inflight := make([]chan struct{}, 0, len(r.flushing))
	for _, done := range r.flushing {
		inflight = append(inflight, done)
	}
	r.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, r.finalize(ctx, s))
	}
	for _, done := range inflight {
		select {
		case <-done:
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	}
	return errs
}
