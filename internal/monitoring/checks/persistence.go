package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/collabhub/internal/monitoring"
)

const defaultPersistenceWindow = 5 * time.Minute

// Persistence reports degraded while store writes have failed or updates were dropped within
// the window.
func Persistence(window time.Duration) monitoring.Check {
	if window <= 0 {
		window = defaultPersistenceWindow
	}

	return monitoring.NewCheck("persistence", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		snapshot := monitoring.Snapshot().Persistence

		last := snapshot.LastFailure
		if last == nil || time.Since(last.Occurred) > window {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  fmt.Sprintf("%d writes, %d dropped", snapshot.Success, snapshot.Dropped),
				Duration: time.Since(start),
			}
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusDegraded,
			Details:  fmt.Sprintf("%s failed at %s: %s", last.Kind, last.Occurred.UTC().Format(time.RFC3339), last.Message),
			Duration: time.Since(start),
		}
	})
}
