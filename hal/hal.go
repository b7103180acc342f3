package hal

import (
	"errors"
	"time"
)

// Logger writes newline-delimited diagnostic lines.
//
// The signal core logs through this during fault handling, so implementations
// must be safe to call from any goroutine and must not themselves fault.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

var ErrNotImplemented = errors.New("not implemented")

// Host provides the only contact point between the runtime and the platform's
// timing services.
type Host interface {
	// TimerCaps returns the finest timer resolution the platform supports.
	TimerCaps() (time.Duration, error)

	// BeginPeriod raises the platform timer resolution to d. Calls must be
	// paired with EndPeriod; the runtime guarantees exactly one EndPeriod
	// per successful BeginPeriod.
	BeginPeriod(d time.Duration) error

	// EndPeriod restores the timer resolution raised by BeginPeriod.
	EndPeriod(d time.Duration) error

	// Cycles returns a monotonic cycle counter for sample timestamps.
	Cycles() uint64

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}
