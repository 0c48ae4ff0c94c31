// Package persistence keeps document state durable: a Store holds an append-only update log
// per document and the Bridge moves updates between live sessions and that log.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/collabhub/internal/database"
	"github.com/charlesng35/collabhub/internal/models"
)

// ErrStoreDisabled is returned by Open when no store URI is configured.
var ErrStoreDisabled = errors.New("persistence: store disabled")

// ErrInvalidURI marks a store URI that can never be opened, as opposed to a store that is
// temporarily unreachable.
var ErrInvalidURI = errors.New("persistence: invalid store uri")

const (
	kindDelta    = models.DocumentUpdateKindDelta
	kindSnapshot = models.DocumentUpdateKindSnapshot
)

const (
	defaultFlushSize  = 100
	defaultCollection = "yjs-documents"
	defaultTimeout    = 5 * time.Second
)

// Store is an append-only update log keyed by document name.
type Store interface {
	// GetUpdates returns every update recorded for docName in append order.
	GetUpdates(ctx context.Context, docName string) ([][]byte, error)
	// StoreUpdate appends update to the log, compacting once the log reaches the flush size.
	StoreUpdate(ctx context.Context, docName string, update []byte) error
	// Compact replaces the log with a single snapshot holding the existing updates and state.
	Compact(ctx context.Context, docName string, state []byte) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// MergeFunc folds a set of updates into one. Stores fall back to keeping the de-duplicated set
// when no merge function is configured.
type MergeFunc func(updates ...[]byte) ([]byte, error)

// Options tune store behaviour.
type Options struct {
	FlushSize  int
	Collection string
	Timeout    time.Duration
	Merge      MergeFunc
}

func (o Options) withDefaults() Options {
	if o.FlushSize <= 0 {
		o.FlushSize = defaultFlushSize
	}
	if strings.TrimSpace(o.Collection) == "" {
		o.Collection = defaultCollection
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Open selects a store implementation from the URI scheme. Malformed or unsupported URIs fail
// with ErrInvalidURI.
func Open(ctx context.Context, uri string, opts Options) (Store, error) {
	uri = strings.TrimSpace(uri)
	opts = opts.withDefaults()

	lower := strings.ToLower(uri)
	switch {
	case uri == "":
		return nil, ErrStoreDisabled
	case strings.HasPrefix(lower, "memory://"):
		return NewMemoryStore(opts), nil
	case strings.HasPrefix(lower, "mongodb://"), strings.HasPrefix(lower, "mongodb+srv://"):
		return OpenMongoStore(ctx, uri, opts)
	}

	cfg, err := database.ConfigFromURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}
	return NewSQLStore(db, opts), nil
}
