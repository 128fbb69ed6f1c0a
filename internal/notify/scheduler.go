package notify

import "time"

// Timer is a pending scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports whether it did.
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler uses the runtime timer.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
