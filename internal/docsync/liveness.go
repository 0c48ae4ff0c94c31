package docsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/logger"
)

const defaultPingInterval = 30 * time.Second

// Probe is a connection the monitor can ping and terminate.
type Probe interface {
	ID() string
	Ping() error
	Close()
}

type probeState int

const (
	stateAlive probeState = iota
	stateProbed
)

// Monitor pings every tracked connection once per interval. A connection that has not
// answered the previous ping by the next sweep is closed, which sends it through the normal
// disconnect path.
type Monitor struct {
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	entries map[Probe]probeState

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor returns a stopped monitor. A non-positive interval uses 30s.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &Monitor{
		interval: interval,
		log:      logger.WithModule("liveness"),
		entries:  make(map[Probe]probeState),
		stop:     make(chan struct{}),
	}
}

// Interval returns the sweep period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Track starts watching p in the ALIVE state.
func (m *Monitor) Track(p Probe) {
	m.mu.Lock()
	m.entries[p] = stateAlive
	m.mu.Unlock()
}

// Untrack stops watching p.
func (m *Monitor) Untrack(p Probe) {
	m.mu.Lock()
	delete(m.entries, p)
	m.mu.Unlock()
}

// MarkAlive records a pong from p.
func (m *Monitor) MarkAlive(p Probe) {
	m.mu.Lock()
	if _, ok := m.entries[p]; ok {
		m.entries[p] = stateAlive
	}
	m.mu.Unlock()
}

// Len reports the number of tracked connections.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep runs one liveness round and returns the number of connections terminated.
func (m *Monitor) Sweep() int {
	var dead, probe []Probe

	m.mu.Lock()
	for p, state := range m.entries {
		if state == stateProbed {
			dead = append(dead, p)
			delete(m.entries, p)
			continue
		}
		m.entries[p] = stateProbed
		probe = append(probe, p)
	}
	m.mu.Unlock()

	for _, p := range probe {
		if err := p.Ping(); err != nil {
			m.Untrack(p)
			dead = append(dead, p)
		}
	}
	for _, p := range dead {
		m.log.Info("terminating unresponsive connection", zap.String("connection", p.ID()))
		monitoring.RecordLivenessReclaimed()
		p.Close()
	}
	return len(dead)
}

// Start runs Sweep on a ticker until Stop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop started by Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}
