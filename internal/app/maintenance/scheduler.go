package maintenance

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const (
	JobSessionFlush = "session_flush"
	JobPeerExpiry   = "peer_expiry"

	defaultFlushSpec      = "@every 30s"
	defaultPeerExpirySpec = "@every 1m"
	defaultJobTimeout     = 30 * time.Second
)

// SessionFlusher writes the state of dirty document sessions to the store.
type SessionFlusher interface {
	FlushDirty(ctx context.Context) (int, error)
}

// PeerExpirer drops signaling peers that stopped sending heartbeats.
type PeerExpirer interface {
	ExpireStale(now time.Time) int
}

// Scheduler runs periodic maintenance jobs: flushing dirty document sessions between
// disconnects and expiring silent signaling peers.
type Scheduler struct {
	sessions SessionFlusher
	peers    PeerExpirer
	cron     *cron.Cron
	now      func() time.Time
	timeout  time.Duration
	log      *zap.Logger
	started  bool

	flushSchedule      string
	peerExpirySchedule string
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock passed to peer expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFlushSchedule overrides the cron specification for the session flush job. An empty
// spec disables the job.
func WithFlushSchedule(spec string) Option {
	return func(s *Scheduler) {
		s.flushSchedule = strings.TrimSpace(spec)
	}
}

// WithPeerExpirySchedule overrides the cron specification for peer expiry. An empty spec
// disables the job.
func WithPeerExpirySchedule(spec string) Option {
	return func(s *Scheduler) {
		s.peerExpirySchedule = strings.TrimSpace(spec)
	}
}

// WithJobTimeout bounds a single run of the flush job.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler constructs a Scheduler. A nil dependency skips the corresponding job.
func NewScheduler(sessions SessionFlusher, peers PeerExpirer, opts ...Option) *Scheduler {
	s := &Scheduler{
		sessions:           sessions,
		peers:              peers,
		now:                time.Now,
		timeout:            defaultJobTimeout,
		flushSchedule:      defaultFlushSpec,
		peerExpirySchedule: defaultPeerExpirySpec,
		log:                logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the enabled jobs and launches the scheduler when at least one exists.
func (s *Scheduler) Start() error {
	jobs := 0

	if s.sessions != nil && s.flushSchedule != "" {
		if _, err := s.cron.AddFunc(s.flushSchedule, func() {
			_ = s.flushSessions(context.Background())
		}); err != nil {
			return err
		}
		jobs++
	}

	if s.peers != nil && s.peerExpirySchedule != "" {
		if _, err := s.cron.AddFunc(s.peerExpirySchedule, func() {
			s.expirePeers()
		}); err != nil {
			return err
		}
		jobs++
	}

	if jobs == 0 {
		return nil
	}
	s.cron.Start()
	s.started = true
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil || !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.sessions != nil {
		errs = multierr.Append(errs, s.flushSessions(ctx))
	}
	if s.peers != nil {
		s.expirePeers()
	}
	return errs
}

func (s *Scheduler) flushSessions(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	flushed, err := s.sessions.FlushDirty(ctx)
	duration := time.Since(start)
	if err != nil {
		s.log.Warn("session flush failed", zap.Int("flushed", flushed), zap.Error(err))
		monitoring.RecordMaintenanceRun(JobSessionFlush, "failure", err.Error(), duration)
		return err
	}
	if flushed > 0 {
		s.log.Debug("flushed dirty sessions", zap.Int("flushed", flushed))
	}
	monitoring.RecordMaintenanceRun(JobSessionFlush, "success", "", duration)
	return nil
}

func (s *Scheduler) expirePeers() {
	start := time.Now()
	expired := s.peers.ExpireStale(s.now())
	if expired > 0 {
		s.log.Info("expired silent peers", zap.Int("expired", expired))
	}
	monitoring.RecordMaintenanceRun(JobPeerExpiry, "success", "", time.Since(start))
}
