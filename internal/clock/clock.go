package clock

import (
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("clock",
	fx.Provide(NewReal),
)

// Clock abstracts wall time so session accounting and heartbeat staleness can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func NewReal() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
