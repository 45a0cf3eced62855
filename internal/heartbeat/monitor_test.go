package heartbeat

import (
	"math/rand"
	"testing"
	"time"

	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestEffectiveStatusOfflineWhenStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(42))
	stored := []string{StatusPending, StatusOnline, StatusInUse, StatusOffline, StatusMaintenance}

	for i := 0; i < 1000; i++ {
		age := time.Duration(rng.Int63n(int64(10 * time.Minute)))
		last := now.Add(-age)
		status := stored[rng.Intn(len(stored))]

		got := EffectiveStatus(status, &last, now, StaleThreshold)
		if age > StaleThreshold {
			require.Equal(t, StatusOffline, got, "age=%s stored=%s", age, status)
		} else {
			require.Equal(t, status, got, "age=%s stored=%s", age, status)
		}
	}
}

func TestEffectiveStatusBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	exact := now.Add(-StaleThreshold)
	require.Equal(t, StatusInUse, EffectiveStatus(StatusInUse, &exact, now, StaleThreshold))

	past := exact.Add(-time.Millisecond)
	require.Equal(t, StatusOffline, EffectiveStatus(StatusInUse, &past, now, StaleThreshold))

	require.Equal(t, StatusOffline, EffectiveStatus(StatusOnline, nil, now, StaleThreshold))
	require.Equal(t, StatusOffline, EffectiveStatus(StatusOnline, &time.Time{}, now, StaleThreshold))
}

func TestMonitorUsesClock(t *testing.T) {
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(fc, 0)
	require.Equal(t, StaleThreshold, m.Threshold())

	last := fc.Now()
	require.Equal(t, StatusOnline, m.EffectiveStatus(StatusOnline, &last))

	fc.Advance(46 * time.Second)
	require.Equal(t, StatusOffline, m.EffectiveStatus(StatusOnline, &last))
	require.True(t, IsStale(&last, fc.Now(), m.Threshold()))
	require.Equal(t, fc.Now().Add(-StaleThreshold), m.StaleBefore())
}
