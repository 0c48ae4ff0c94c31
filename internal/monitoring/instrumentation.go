package monitoring

import (
	"strings"
	"time"
)

// Subprotocol labels used by the connection gauges.
const (
	SubprotocolDocSync   = "doc_sync"
	SubprotocolChat      = "chat"
	SubprotocolSignaling = "signaling"
)

// RecordConnection adjusts the open connection gauge for a subprotocol.
func RecordConnection(subprotocol string, delta int64) {
	module := ensureModule()
	if module == nil || delta == 0 {
		return
	}
	label := normalizeLabel(subprotocol)
	module.metrics.connections.WithLabelValues(label).Add(float64(delta))
	module.stats.recordConnection(label, delta)
}

// AdjustDocumentSessions modifies the live document session gauge by delta.
func AdjustDocumentSessions(delta int64) {
	module := ensureModule()
	if module == nil || delta == 0 {
		return
	}
	module.metrics.documentSessions.Add(float64(delta))
	if module.stats.adjustDocumentSessions(delta) {
		module.metrics.documentSessions.Set(0)
	}
}

// RecordDocumentSessionClosed records the lifetime of an evicted document session.
func RecordDocumentSessionClosed(duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	observeDuration(module.metrics.sessionDuration, duration)
	module.stats.recordSessionDuration(duration)
}

// RecordPersistenceOp records the outcome of a store operation. Failed operations keep the
// message for the summary.
func RecordPersistenceOp(operation, result, message string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	op := normalizeLabel(operation)
	res := normalizeLabel(result)
	module.metrics.persistenceOps.WithLabelValues(op, res).Inc()
	observeDuration(module.metrics.persistenceLatency.WithLabelValues(op), duration)
	module.stats.recordPersistence(op, res, strings.TrimSpace(message))
}

// RecordUpdateDropped counts an update discarded by a full write queue.
func RecordUpdateDropped() {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.updatesDropped.Inc()
	module.stats.updatesDropped.Add(1)
}

// RecordRoomBroadcast counts a room broadcast of the given event kind.
func RecordRoomBroadcast(kind string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.roomBroadcasts.WithLabelValues(normalizeLabel(kind)).Inc()
	module.stats.roomBroadcasts.Add(1)
}

// RecordDeliveryFailure snapshots a failed per-recipient delivery.
func RecordDeliveryFailure(kind, failureType, message string) {
	module := ensureModule()
	if module == nil {
		return
	}
	kind = normalizeLabel(kind)
	failureType = normalizeLabel(failureType)
	module.metrics.deliveryFailures.WithLabelValues(kind, failureType).Inc()
	module.stats.recordDeliveryFailure(FailureRecord{
		Kind:     kind,
		Type:     failureType,
		Message:  strings.TrimSpace(message),
		Occurred: time.Now(),
	})
}

// RecordLivenessReclaimed counts a connection terminated by the liveness monitor.
func RecordLivenessReclaimed() {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.livenessReclaimed.Inc()
	module.stats.livenessReclaimed.Add(1)
}

// RecordBackplaneMessage counts a message published to or received from the room backplane.
func RecordBackplaneMessage(direction, result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.backplaneMessages.WithLabelValues(normalizeLabel(direction), normalizeLabel(result)).Inc()
}

// AdjustSignalingPeers modifies the registered peer gauge by delta.
func AdjustSignalingPeers(delta int64) {
	module := ensureModule()
	if module == nil || delta == 0 {
		return
	}
	module.metrics.signalingPeers.Add(float64(delta))
	module.stats.signalingPeers.Add(delta)
}

// RecordSignalingMessage counts a relayed signaling message.
func RecordSignalingMessage(messageType string) {
	module := ensureModule()
	if module == nil {
		return
	}
	module.metrics.signalingMessages.WithLabelValues(normalizeLabel(messageType)).Inc()
}

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func ObserveAPILatency(method, path, status string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = sanitizePath(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	module.metrics.apiLatency.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMaintenanceRun records the completion of a maintenance job.
func RecordMaintenanceRun(job, result, message string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	jobID := normalizeLabel(job)
	result = normalizeLabel(result)
	module.metrics.maintenanceRuns.WithLabelValues(jobID, result).Inc()
	observeDuration(module.metrics.maintenanceDuration.WithLabelValues(jobID), duration)
	if result == "success" {
		module.metrics.maintenanceLastRun.WithLabelValues(jobID).Set(float64(time.Now().Unix()))
	}
	stats := module.stats.maintenanceEntry(jobID)
	stats.record(result, strings.TrimSpace(message), duration)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}

// sanitizePath keeps metric cardinality bounded: document paths collapse into one label.
func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "/" {
		return "root"
	}
	path = strings.Trim(path, "/")
	if head, _, found := strings.Cut(path, "/"); found {
		return head
	}
	return strings.ReplaceAll(path, " ", "_")
}
