package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
)

const (
	defaultRelayQueue     = 256
	defaultPublishTimeout = 2 * time.Second
)

// Backplane carries room events between gateway instances.
type Backplane interface {
	Publish(ctx context.Context, data []byte) error
	// Subscribe delivers every published message to handle until ctx is done or the
	// subscription fails.
	Subscribe(ctx context.Context, handle func([]byte)) error
}

// RelayOptions tune the engine side of a backplane.
type RelayOptions struct {
	// InstanceID tags published events so an instance ignores its own messages. Empty
	// generates a random id.
	InstanceID     string
	QueueSize      int
	PublishTimeout time.Duration
}

type envelope struct {
	Origin  string `json:"origin"`
	Exclude string `json:"exclude,omitempty"`
	Event   Event  `json:"event"`
}

type relay struct {
	engine    *Engine
	backplane Backplane
	origin    string
	timeout   time.Duration
	outbox    chan envelope
	log       *zap.Logger
}

func newRelay(engine *Engine, backplane Backplane, opts RelayOptions) *relay {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRelayQueue
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &relay{
		engine:    engine,
		backplane: backplane,
		origin:    opts.InstanceID,
		timeout:   opts.PublishTimeout,
		outbox:    make(chan envelope, opts.QueueSize),
		log:       engine.log.With(zap.String("instance", opts.InstanceID)),
	}
}

// publish queues env for the publisher goroutine and never blocks.
func (r *relay) publish(env envelope) {
	env.Origin = r.origin
	select {
	case r.outbox <- env:
	default:
		monitoring.RecordBackplaneMessage("out", "dropped")
		r.log.Warn("backplane queue full, dropping event", zap.String("room", env.Event.Room.String()))
	}
}

func (r *relay) run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()

	err := r.backplane.Subscribe(ctx, r.receive)
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				monitoring.RecordBackplaneMessage("out", "error")
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, r.timeout)
			err = r.backplane.Publish(pubCtx, data)
			cancel()
			if err != nil {
				monitoring.RecordBackplaneMessage("out", "error")
				r.log.Warn("backplane publish failed", zap.Error(err))
				continue
			}
			monitoring.RecordBackplaneMessage("out", "ok")
		}
	}
}

func (r *relay) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		monitoring.RecordBackplaneMessage("in", "invalid")
		r.log.Debug("ignoring malformed backplane message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.engine.deliver(env.Event, env.Exclude)
	monitoring.RecordBackplaneMessage("in", "ok")
}
