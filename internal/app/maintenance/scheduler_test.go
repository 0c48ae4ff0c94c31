package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabhub/internal/monitoring"
)

type fakeFlusher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeFlusher) FlushDirty(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("flush without deadline")
	}
	return 1, f.err
}

type fakeExpirer struct {
	calls atomic.Int32
	last  atomic.Int64
}

func (f *fakeExpirer) ExpireStale(now time.Time) int {
	f.calls.Add(1)
	f.last.Store(now.Unix())
	return 2
}

func withMonitoring(t *testing.T) *monitoring.Module {
	t.Helper()
	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	monitoring.SetModule(mod)
	t.Cleanup(monitoring.ClearModule)
	return mod
}

func TestSchedulerRunOnce(t *testing.T) {
	mod := withMonitoring(t)
	flusher := &fakeFlusher{}
	expirer := &fakeExpirer{}
	fixed := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	s := NewScheduler(flusher, expirer, WithNow(func() time.Time { return fixed }))
	require.NoError(t, s.RunOnce(context.Background()))

	require.Equal(t, int32(1), flusher.calls.Load())
	require.Equal(t, int32(1), expirer.calls.Load())
	require.Equal(t, fixed.Unix(), expirer.last.Load())

	jobs := mod.Summary().Maintenance.Jobs
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		require.Equal(t, "success", job.LastStatus)
		require.Equal(t, uint64(1), job.TotalRuns)
	}
}

func TestSchedulerRunOnceReportsFlushFailure(t *testing.T) {
	mod := withMonitoring(t)
	flusher := &fakeFlusher{err: errors.New("store down")}

	s := NewScheduler(flusher, nil)
	err := s.RunOnce(context.Background())
	require.ErrorContains(t, err, "store down")

	jobs := mod.Summary().Maintenance.Jobs
	require.Len(t, jobs, 1)
	require.Equal(t, JobSessionFlush, jobs[0].Job)
	require.Equal(t, uint64(1), jobs[0].ConsecutiveFailures)
}

func TestSchedulerWithoutJobsDoesNotStart(t *testing.T) {
	s := NewScheduler(nil, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.RunOnce(context.Background()))

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("stop of an idle scheduler should return a done context")
	}
}

func TestSchedulerRunsJobsOnSchedule(t *testing.T) {
	flusher := &fakeFlusher{}
	expirer := &fakeExpirer{}

	s := NewScheduler(flusher, expirer,
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
		WithFlushSchedule("@every 1s"),
		WithPeerExpirySchedule("@every 1s"),
		WithJobTimeout(time.Second),
	)
	require.NoError(t, s.Start())
	t.Cleanup(func() { <-s.Stop().Done() })

	require.Eventually(t, func() bool {
		return flusher.calls.Load() > 0 && expirer.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := NewScheduler(&fakeFlusher{}, nil, WithFlushSchedule("not a spec"))
	require.Error(t, s.Start())
}

func TestSchedulerEmptyScheduleDisablesJob(t *testing.T) {
	flusher := &fakeFlusher{}

	s := NewScheduler(flusher, nil, WithFlushSchedule(" "))
	require.NoError(t, s.Start())
	require.False(t, s.started)

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, int32(1), flusher.calls.Load(), "manual runs still include the job")
}
