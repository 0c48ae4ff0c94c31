package docsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepReclaimsSilentConnectionWithinTwoSweeps(t *testing.T) {
	monitor := NewMonitor(time.Minute)

	responsive := &fakePeer{id: "responsive"}
	responsive.onPing = func() error {
		monitor.MarkAlive(responsive)
		return nil
	}
	silent := &fakePeer{id: "silent"}
	monitor.Track(responsive)
	monitor.Track(silent)

	require.Equal(t, 0, monitor.Sweep())
	require.False(t, silent.Closed())

	require.Equal(t, 1, monitor.Sweep())
	require.True(t, silent.Closed())
	require.False(t, responsive.Closed())
	require.Equal(t, 1, monitor.Len())

	require.Equal(t, 0, monitor.Sweep())
	require.False(t, responsive.Closed())
}

func TestPingFailureTerminatesImmediately(t *testing.T) {
	monitor := NewMonitor(time.Minute)
	broken := &fakePeer{id: "broken", onPing: func() error { return errors.New("broken pipe") }}
	monitor.Track(broken)

	require.Equal(t, 1, monitor.Sweep())
	require.True(t, broken.Closed())
	require.Zero(t, monitor.Len())
}

func TestReclaimedConnectionFlushesSessionOnce(t *testing.T) {
	bridge := newFakeBridge()
	registry := NewRegistry(bridge, RegistryOptions{})
	monitor := NewMonitor(time.Minute)

	s := registry.Acquire("doc")
	waitLoaded(t, s)

	dead := &fakePeer{id: "dead"}
	dead.close = func() {
		monitor.Untrack(dead)
		require.NoError(t, registry.Detach(s, dead))
	}
	require.NoError(t, registry.Attach(s, dead))
	monitor.Track(dead)

	monitor.Sweep()
	monitor.Sweep()
	monitor.Sweep()

	require.True(t, dead.Closed())
	require.Equal(t, 1, bridge.Flushes("doc"))
	require.Equal(t, 0, registry.Len())
}

func TestMonitorLoopReclaims(t *testing.T) {
	monitor := NewMonitor(10 * time.Millisecond)
	silent := &fakePeer{id: "silent"}
	monitor.Track(silent)

	monitor.Start()
	defer monitor.Stop()

	require.Eventually(t, silent.Closed, time.Second, 5*time.Millisecond)
}

func TestMarkAliveIgnoresUntracked(t *testing.T) {
	monitor := NewMonitor(0)
	require.Equal(t, defaultPingInterval, monitor.Interval())

	monitor.MarkAlive(&fakePeer{id: "ghost"})
	require.Zero(t, monitor.Len())
}
