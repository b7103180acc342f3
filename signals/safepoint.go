package signals

import "sync/atomic"

// Safepoint is the process-wide signal flag read by every worker at
// designated poll points. All fields are atomics; readers never lock.
type Safepoint struct {
	enabled  atomic.Bool
	pending  atomic.Bool
	force    atomic.Bool
	deferred atomic.Int32
}

// RaiseSigint marks a console interrupt pending. A second interrupt arriving
// while one is still pending escalates to a forced delivery.
func (s *Safepoint) RaiseSigint() {
	if s.pending.Swap(true) {
		s.force.Store(true)
	}
}

// EnableSigint arms interrupt delivery at safepoint polls.
func (s *Safepoint) EnableSigint() { s.enabled.Store(true) }

// DisableSigint disarms interrupt delivery.
func (s *Safepoint) DisableSigint() { s.enabled.Store(false) }

// SigintPending reports whether an interrupt is waiting for delivery.
func (s *Safepoint) SigintPending() bool {
	return s.enabled.Load() && s.pending.Load()
}

// ConsumeSigint claims the pending interrupt. Returns false when there was
// none, or when delivery is not armed.
func (s *Safepoint) ConsumeSigint() bool {
	if !s.enabled.Load() {
		return false
	}
	return s.pending.Swap(false)
}

// DeferSigint records that a polling task observed the interrupt but is
// currently deferring signals.
func (s *Safepoint) DeferSigint() { s.deferred.Add(1) }

// DeferredCount returns how many polls deferred a pending interrupt.
func (s *Safepoint) DeferredCount() int32 { return s.deferred.Load() }

// CheckForceSigint reports whether a forced delivery was requested.
func (s *Safepoint) CheckForceSigint() bool { return s.force.Load() }

// ClearForceSigint clears the forced-delivery override.
func (s *Safepoint) ClearForceSigint() { s.force.Store(false) }
