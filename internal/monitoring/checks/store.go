package checks

import (
	"context"
	"time"

	"github.com/charlesng35/collabhub/internal/monitoring"
)

const defaultStoreTimeout = 2 * time.Second

// StorePinger is the minimal interface required to probe a document store.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Store returns a readiness probe for the document store. A nil store means persistence is
// disabled, which is a valid configuration.
func Store(store StorePinger, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("store", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if store == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "persistence disabled",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultStoreTimeout))
		defer cancel()

		// Collaboration continues in memory when the store is down, so the gateway stays
		// serviceable but degraded.
		if err := store.Ping(probeCtx); err != nil {
			result := monitoring.ResultFromError("store", err, time.Since(start))
			result.Status = monitoring.StatusDegraded
			return result
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}

func chooseTimeout(provided, fallback time.Duration) time.Duration {
	if provided <= 0 {
		return fallback
	}
	return provided
}
