package monitoring

import "time"

// Summary surfaces aggregated gateway statistics.
type Summary struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Connections ConnectionSummary  `json:"connections"`
	Documents   DocumentSummary    `json:"documents"`
	Persistence PersistenceSummary `json:"persistence"`
	Rooms       RoomSummary        `json:"rooms"`
	Liveness    LivenessSummary    `json:"liveness"`
	Signaling   SignalingSummary   `json:"signaling"`
	Maintenance MaintenanceSummary `json:"maintenance"`
}

type ConnectionSummary struct {
	DocSync   int64 `json:"doc_sync"`
	Chat      int64 `json:"chat"`
	Signaling int64 `json:"signaling"`
	Total     int64 `json:"total"`
}

type DocumentSummary struct {
	Active                 int64     `json:"active"`
	Closed                 uint64    `json:"closed"`
	AverageDurationSeconds float64   `json:"average_duration_seconds"`
	LastClosedAt           time.Time `json:"last_closed_at"`
}

// FailureRecord describes the most recent failure of a kind.
type FailureRecord struct {
	Kind     string    `json:"kind"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Occurred time.Time `json:"occurred_at"`
}

type PersistenceSummary struct {
	Success     uint64         `json:"success"`
	Failure     uint64         `json:"failure"`
	Dropped     uint64         `json:"dropped"`
	LastFailure *FailureRecord `json:"last_failure,omitempty"`
}

type RoomSummary struct {
	Broadcasts       uint64         `json:"broadcasts"`
	DeliveryFailures uint64         `json:"delivery_failures"`
	LastFailure      *FailureRecord `json:"last_failure,omitempty"`
}

type LivenessSummary struct {
	Reclaimed uint64 `json:"reclaimed"`
}

type SignalingSummary struct {
	Peers int64 `json:"peers"`
}

type MaintenanceSummary struct {
	Jobs []MaintenanceJobSummary `json:"jobs"`
}

type MaintenanceJobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

// Snapshot returns a point-in-time summary from the current module when configured.
func Snapshot() Summary {
	if module := ensureModule(); module != nil && module.stats != nil {
		return module.stats.summary()
	}
	return Summary{GeneratedAt: time.Now()}
}
