package watchdog

import "time"

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules single-shot deadlines.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock uses the time package.
var RealClock Clock = realClock{}
