package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// BridgeOptions configure the write queue.
type BridgeOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type jobKind int

const (
	jobAppend jobKind = iota
	jobFlush
	jobStop
)

type job struct {
	kind    jobKind
	name    string
	payload []byte
	compact bool
	done    chan error
}

// Bridge moves document updates between live sessions and a Store. Writes for one document
// always land on the same worker so they are applied in enqueue order. A Bridge without a
// store is valid and turns every operation into a no-op.
type Bridge struct {
	store   Store
	timeout time.Duration
	log     *zap.Logger

	closed atomic.Bool
	shards []chan job
	wg     sync.WaitGroup
}

// NewBridge starts the bridge workers. store may be nil when persistence is disabled.
func NewBridge(store Store, opts BridgeOptions) *Bridge {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	b := &Bridge{
		store:   store,
		timeout: timeout,
		log:     logger.WithModule("persistence"),
	}
	if store == nil {
		return b
	}

	b.shards = make([]chan job, workers)
	for i := range b.shards {
		ch := make(chan job, queueSize)
		b.shards[i] = ch
		b.wg.Add(1)
		go b.run(ch)
	}
	return b
}

// Enabled reports whether a store is attached.
func (b *Bridge) Enabled() bool {
	return b != nil && b.store != nil
}

// Store returns the backing store, or nil when persistence is disabled.
func (b *Bridge) Store() Store {
	if b == nil {
		return nil
	}
	return b.store
}

// Load returns every durable update for name. Store failures are logged and yield an empty
// history so the session can start from scratch.
func (b *Bridge) Load(ctx context.Context, name string) [][]byte {
	if !b.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	updates, err := b.store.GetUpdates(ctx, name)
	b.record("load", err, time.Since(start))
	if err != nil {
		b.log.Warn("load document failed, starting empty",
			zap.String("document", name),
			zap.Error(err),
		)
		return nil
	}
	return updates
}

// OnUpdate queues delta for appending. It never blocks: when the document's queue is full the
// update is dropped and counted.
func (b *Bridge) OnUpdate(name string, delta []byte) {
	if !b.Enabled() {
		return
	}

	if b.closed.Load() {
		return
	}

	select {
	case b.shard(name) <- job{kind: jobAppend, name: name, payload: delta}:
	default:
		monitoring.RecordUpdateDropped()
		b.log.Warn("persistence queue full, dropping update", zap.String("document", name))
	}
}

// Flush writes the full state of name after every update queued before it. With compact the
// store log is replaced by a snapshot.
func (b *Bridge) Flush(ctx context.Context, name string, state []byte, compact bool) error {
	if !b.Enabled() {
		return nil
	}

	if b.closed.Load() {
		return b.write(ctx, job{kind: jobFlush, name: name, payload: state, compact: compact})
	}

	done := make(chan error, 1)
	select {
	case b.shard(name) <- job{kind: jobFlush, name: name, payload: state, compact: compact, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting appends and waits for queued writes, bounded by ctx. Flushes issued
// after Close write straight to the store.
func (b *Bridge) Close(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}

	if b.closed.CompareAndSwap(false, true) {
		for _, ch := range b.shards {
			select {
			case ch <- job{kind: jobStop}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) shard(name string) chan job {
	return b.shards[xxhash.Sum64String(name)%uint64(len(b.shards))]
}

func (b *Bridge) run(ch chan job) {
	defer b.wg.Done()
	for j := range ch {
		if j.kind == jobStop {
			b.drain(ch)
			return
		}
		b.process(j)
	}
}

// drain handles jobs that raced with the stop marker.
func (b *Bridge) drain(ch chan job) {
	for {
		select {
		case j := <-ch:
			if j.kind != jobStop {
				b.process(j)
			}
		default:
			return
		}
	}
}

func (b *Bridge) process(j job) {
	err := b.write(context.Background(), j)
	if j.done != nil {
		j.done <- err
	}
}

func (b *Bridge) write(parent context.Context, j job) error {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	start := time.Now()
	var (
		op  string
		err error
	)
	switch {
	case j.kind == jobAppend:
		op = "append"
		err = b.store.StoreUpdate(ctx, j.name, j.payload)
	case j.compact:
		op = "compact"
		err = b.store.Compact(ctx, j.name, j.payload)
	default:
		op = "flush"
		err = b.store.StoreUpdate(ctx, j.name, j.payload)
	}
	b.record(op, err, time.Since(start))

	if err != nil {
		b.log.Warn("persist document failed",
			zap.String("document", j.name),
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	return err
}

func (b *Bridge) record(op string, err error, elapsed time.Duration) {
	if err != nil {
		monitoring.RecordPersistenceOp(op, "failure", err.Error(), elapsed)
		return
	}
	monitoring.RecordPersistenceOp(op, "success", "", elapsed)
}
