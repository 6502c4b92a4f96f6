package engine

import "time"

// Clock abstracts wall-clock access so tests can run deterministically,
// mirroring the teacher's common.Time indirection (cmd/root.go assigns
// common.Time.Sleep/common.Time.Now at init so tests can stub them).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default, real-time Clock.
var SystemClock Clock = systemClock{}
