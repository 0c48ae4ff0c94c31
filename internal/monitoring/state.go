package monitoring

import (
	"sync"
	"sync/atomic"
	"time"
)

type statStore struct {
	docSyncConnections   atomic.Int64
	chatConnections      atomic.Int64
	signalingConnections atomic.Int64

	documentSessions     atomic.Int64
	sessionTotalDuration atomic.Uint64 // nanoseconds
	sessionCount         atomic.Uint64
	sessionLastEndedAt   atomic.Int64

	persistenceSuccess  atomic.Uint64
	persistenceFailure  atomic.Uint64
	updatesDropped      atomic.Uint64
	persistenceLastFail atomic.Value // *FailureRecord

	roomBroadcasts      atomic.Uint64
	deliveryFailures    atomic.Uint64
	deliveryLastFailure atomic.Value // *FailureRecord

	livenessReclaimed atomic.Uint64
	signalingPeers    atomic.Int64

	maintenance sync.Map // string -> *maintenanceStats
}

func newStatStore() *statStore {
	store := &statStore{}
	store.persistenceLastFail.Store((*FailureRecord)(nil))
	store.deliveryLastFailure.Store((*FailureRecord)(nil))
	return store
}

func (s *statStore) connectionCounter(subprotocol string) *atomic.Int64 {
	switch subprotocol {
	case SubprotocolDocSync:
		return &s.docSyncConnections
	case SubprotocolChat:
		return &s.chatConnections
	case SubprotocolSignaling:
		return &s.signalingConnections
	default:
		return nil
	}
}

func (s *statStore) recordConnection(subprotocol string, delta int64) {
	counter := s.connectionCounter(subprotocol)
	if counter == nil {
		return
	}
	if counter.Add(delta) < 0 {
		counter.Store(0)
	}
}

// adjustDocumentSessions reports whether the counter had to be clamped at zero.
func (s *statStore) adjustDocumentSessions(delta int64) bool {
	if s.documentSessions.Add(delta) < 0 {
		s.documentSessions.Store(0)
		return true
	}
	return false
}

func (s *statStore) recordSessionDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.sessionTotalDuration.Add(uint64(d))
	s.sessionCount.Add(1)
	s.sessionLastEndedAt.Store(time.Now().UnixNano())
}

func (s *statStore) recordPersistence(operation, result, message string) {
	if result == "success" {
		s.persistenceSuccess.Add(1)
		return
	}
	s.persistenceFailure.Add(1)
	s.persistenceLastFail.Store(&FailureRecord{
		Kind:     operation,
		Type:     result,
		Message:  message,
		Occurred: time.Now(),
	})
}

func (s *statStore) recordDeliveryFailure(record FailureRecord) {
	s.deliveryFailures.Add(1)
	cloned := record
	s.deliveryLastFailure.Store(&cloned)
}

func (s *statStore) summary() Summary {
	persistenceFailure, _ := s.persistenceLastFail.Load().(*FailureRecord)
	deliveryFailure, _ := s.deliveryLastFailure.Load().(*FailureRecord)

	count := s.sessionCount.Load()
	var avgSeconds float64
	if count > 0 {
		avgSeconds = float64(s.sessionTotalDuration.Load()) / float64(count) / float64(time.Second)
	}

	docSync := s.docSyncConnections.Load()
	chat := s.chatConnections.Load()
	signaling := s.signalingConnections.Load()

	return Summary{
		GeneratedAt: time.Now(),
		Connections: ConnectionSummary{
			DocSync:   docSync,
			Chat:      chat,
			Signaling: signaling,
			Total:     docSync + chat + signaling,
		},
		Documents: DocumentSummary{
			Active:                 s.documentSessions.Load(),
			Closed:                 count,
			AverageDurationSeconds: avgSeconds,
			LastClosedAt:           time.Unix(0, s.sessionLastEndedAt.Load()),
		},
		Persistence: PersistenceSummary{
			Success:     s.persistenceSuccess.Load(),
			Failure:     s.persistenceFailure.Load(),
			Dropped:     s.updatesDropped.Load(),
			LastFailure: persistenceFailure,
		},
		Rooms: RoomSummary{
			Broadcasts:       s.roomBroadcasts.Load(),
			DeliveryFailures: s.deliveryFailures.Load(),
			LastFailure:      deliveryFailure,
		},
		Liveness: LivenessSummary{
			Reclaimed: s.livenessReclaimed.Load(),
		},
		Signaling: SignalingSummary{
			Peers: s.signalingPeers.Load(),
		},
		Maintenance: MaintenanceSummary{
			Jobs: s.cloneMaintenance(),
		},
	}
}

func (s *statStore) cloneMaintenance() []MaintenanceJobSummary {
	summaries := []MaintenanceJobSummary{}
	s.maintenance.Range(func(key, value any) bool {
		job := key.(string)
		stats := value.(*maintenanceStats)
		summaries = append(summaries, stats.snapshot(job))
		return true
	})
	return summaries
}

func (s *statStore) maintenanceEntry(job string) *maintenanceStats {
	value, ok := s.maintenance.Load(job)
	if ok {
		return value.(*maintenanceStats)
	}
	stats := &maintenanceStats{}
	actual, _ := s.maintenance.LoadOrStore(job, stats)
	return actual.(*maintenanceStats)
}

type maintenanceStats struct {
	lastStatus          atomic.Value // string
	lastError           atomic.Value // string
	lastRun             atomic.Int64 // unix nano
	lastDuration        atomic.Int64 // nanoseconds
	lastSuccessfulRun   atomic.Int64
	consecutiveFailures atomic.Uint64
	totalRuns           atomic.Uint64
}

func (m *maintenanceStats) snapshot(job string) MaintenanceJobSummary {
	status, _ := m.lastStatus.Load().(string)
	errMsg, _ := m.lastError.Load().(string)

	return MaintenanceJobSummary{
		Job:                 job,
		LastStatus:          status,
		LastRunAt:           time.Unix(0, m.lastRun.Load()),
		LastDuration:        time.Duration(m.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		LastSuccessAt:       time.Unix(0, m.lastSuccessfulRun.Load()),
		TotalRuns:           m.totalRuns.Load(),
	}
}

func (m *maintenanceStats) record(result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	m.lastStatus.Store(result)
	m.lastError.Store(message)
	m.lastRun.Store(now.UnixNano())
	m.lastDuration.Store(int64(duration))
	m.totalRuns.Add(1)

	if result == "success" {
		m.consecutiveFailures.Store(0)
		m.lastSuccessfulRun.Store(now.UnixNano())
		return
	}
	m.consecutiveFailures.Add(1)
}
