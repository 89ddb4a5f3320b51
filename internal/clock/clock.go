package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so period boundaries and retry schedules are testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reports the current UTC time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return SystemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
