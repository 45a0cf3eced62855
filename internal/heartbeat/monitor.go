package heartbeat

import (
	"time"

	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("heartbeat",
	fx.Provide(NewFromConfig),
)

// StaleThreshold is how long a device may stay silent before it is treated
// as offline.
const StaleThreshold = 45 * time.Second

const (
	StatusPending     = "pending"
	StatusOnline      = "online"
	StatusInUse       = "in_use"
	StatusOffline     = "offline"
	StatusMaintenance = "maintenance"
)

// EffectiveStatus derives the trusted status from the last heartbeat. A device
// that has never reported, or has been silent longer than threshold, is
// offline whatever its stored status says.
func EffectiveStatus(stored string, lastHeartbeat *time.Time, now time.Time, threshold time.Duration) string {
	if lastHeartbeat == nil || lastHeartbeat.IsZero() {
		return StatusOffline
	}
	if now.Sub(*lastHeartbeat) > threshold {
		return StatusOffline
	}
	return stored
}

// IsStale reports whether a heartbeat at last is older than threshold at now.
func IsStale(lastHeartbeat *time.Time, now time.Time, threshold time.Duration) bool {
	return EffectiveStatus(StatusOnline, lastHeartbeat, now, threshold) == StatusOffline
}

// Monitor binds the derivation to a clock and a configured threshold.
type Monitor struct {
	clock     clock.Clock
	threshold time.Duration
}

func NewMonitor(c clock.Clock, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = StaleThreshold
	}
	return &Monitor{clock: c, threshold: threshold}
}

func NewFromConfig(c clock.Clock, cfg config.Config) *Monitor {
	return NewMonitor(c, cfg.Heartbeat.StaleThreshold)
}

func (m *Monitor) Now() time.Time { return m.clock.Now() }

func (m *Monitor) Threshold() time.Duration { return m.threshold }

func (m *Monitor) EffectiveStatus(stored string, lastHeartbeat *time.Time) string {
	return EffectiveStatus(stored, lastHeartbeat, m.clock.Now(), m.threshold)
}

// StaleBefore is the cutoff: heartbeats strictly before it are stale.
func (m *Monitor) StaleBefore() time.Time {
	return m.clock.Now().Add(-m.threshold)
}
