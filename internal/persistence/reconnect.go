package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStoreUnavailable is returned by a ReconnectingStore until its store has been opened.
var ErrStoreUnavailable = errors.New("persistence: store unavailable")

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Opener opens the store behind a ReconnectingStore.
type Opener func(ctx context.Context) (Store, error)

// ReconnectOptions tune the retry interval of a ReconnectingStore.
type ReconnectOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// ReconnectingStore opens its store on first use and keeps retrying while it is unreachable.
// An attempt is made at most once per backoff interval, which doubles after every failure up to
// MaxBackoff; calls in between fail fast with ErrStoreUnavailable. Once opened, calls go straight
// to the store. URIs rejected with ErrInvalidURI are never retried.
type ReconnectingStore struct {
	open       Opener
	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	store   Store
	closed  bool
	lastErr error
	delay   time.Duration
	nextTry time.Time
}

func NewReconnectingStore(open Opener, opts ReconnectOptions) *ReconnectingStore {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &ReconnectingStore{
		open:       open,
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
	}
}

// Current returns the opened store, or nil while it is still unreachable.
func (s *ReconnectingStore) Current() Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *ReconnectingStore) current(ctx context.Context) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return nil, fmt.Errorf("%w: closed", ErrStoreUnavailable)
	case s.store != nil:
		return s.store, nil
	case errors.Is(s.lastErr, ErrInvalidURI):
		return nil, s.lastErr
	case time.Now().Before(s.nextTry):
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, s.lastErr)
	}

	store, err := s.open(ctx)
	if err != nil {
		s.lastErr = err
		if errors.Is(err, ErrInvalidURI) {
			return nil, err
		}
		if s.delay == 0 {
			s.delay = s.minBackoff
		} else {
			s.delay = min(2*s.delay, s.maxBackoff)
		}
		s.nextTry = time.Now().Add(s.delay)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.store, s.lastErr, s.delay = store, nil, 0
	return store, nil
}

func (s *ReconnectingStore) GetUpdates(ctx context.Context, docName string) ([][]byte, error) {
	store, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return store.GetUpdates(ctx, docName)
}

func (s *ReconnectingStore) StoreUpdate(ctx context.Context, docName string, update []byte) error {
	store, err := s.current(ctx)
	if err != nil {
		return err
	}
	return store.StoreUpdate(ctx, docName, update)
}

func (s *ReconnectingStore) Compact(ctx context.Context, docName string, state []byte) error {
	store, err := s.current(ctx)
	if err != nil {
		return err
	}
	return store.Compact(ctx, docName, state)
}

// Ping opens the store when it is due for another attempt.
func (s *ReconnectingStore) Ping(ctx context.Context) error {
	store, err := s.current(ctx)
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

func (s *ReconnectingStore) Close(ctx context.Context) error {
	s.mu.Lock()
	store := s.store
	s.closed, s.store = true, nil
	s.mu.Unlock()

	if store == nil {
		return nil
	}
	return store.Close(ctx)
}

// Unwrap returns the store behind store, or store itself when it is not a ReconnectingStore.
// The result is nil while a ReconnectingStore has not opened its store yet.
func Unwrap(store Store) Store {
	if rs, ok := store.(*ReconnectingStore); ok {
		return rs.Current()
	}
	return store
}
