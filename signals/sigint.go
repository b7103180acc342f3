package signals

import "ember/vm"

// InterruptKind distinguishes the console notification flavors.
type InterruptKind uint8

const (
	// InterruptConsole is a user interrupt request (Ctrl-C).
	InterruptConsole InterruptKind = iota
	// InterruptTerminate is a termination request (window close, SIGTERM).
	InterruptTerminate
)

// bridge is the captured-context bridge surface the delivery protocol needs
// from its target. *vm.Worker implements it; tests script it.
type bridge interface {
	Suspend() bool
	Resume() bool
	ReadContext() (vm.Context, bool)
	WriteContext(vm.Context) bool
}

// ConsoleInterrupt is the process front door for console notifications.
// Termination requests exit; interrupt requests either exit (when configured)
// or start an asynchronous delivery toward the main worker.
func (e *Engine) ConsoleInterrupt(kind InterruptKind) {
	if kind != InterruptConsole {
		e.exit(143)
		return
	}
	if e.ignoreInterrupt.Load() {
		return
	}
	if e.exitOnInterrupt.Load() {
		e.exit(130)
		return
	}
	e.safepoint.RaiseSigint()
	e.DeliverInterrupt()
}

// DeliverInterrupt tries to throw the interrupt exception in the main worker.
//
// Each step is independently fallible; a recoverable failure aborts this
// delivery attempt only, leaving the interrupt pending in the safepoint flag
// for a later cooperative poll. A resume failure aborts the process: a worker
// left permanently suspended is worse than continuing.
func (e *Engine) DeliverInterrupt() {
	w := e.m.MainWorker()
	if w == nil {
		return
	}
	t := w.Task()
	e.deliverSigint(w, t, func(ctx *vm.Context) {
		e.throwInContext(w, t, vm.InterruptError, ctx)
	})
}

func (e *Engine) deliverSigint(tg bridge, t *vm.Task, inject func(*vm.Context)) {
	e.safepoint.EnableSigint()
	e.m.WakeIO()
	e.LockStackwalk()
	if !tg.Suspend() {
		e.logLine("error: failed to suspend main worker")
		e.UnlockStackwalk()
		return
	}
	force := e.safepoint.CheckForceSigint()
	if !force && (t.SignalsDeferred() || !t.IOWait()) {
		// Not deliverable right now; the interrupt stays pending for the
		// next cooperative poll.
		e.UnlockStackwalk()
		if !tg.Resume() {
			e.abort("failed to resume main worker! aborting.")
		}
		return
	}
	ctx, ok := tg.ReadContext()
	if !ok {
		e.logLine("error: failed to read main worker context")
		e.UnlockStackwalk()
		return
	}
	e.safepoint.ConsumeSigint()
	if force {
		e.logLine("WARNING: Force throwing an interrupt")
	}
	e.safepoint.ClearForceSigint()
	inject(&ctx)
	if !tg.WriteContext(ctx) {
		e.logLine("error: failed to write main worker context")
	}
	e.UnlockStackwalk()
	if !tg.Resume() {
		e.abort("failed to resume main worker! aborting.")
	}
}

// pollSafepoint is the cooperative delivery path, run by workers at guest
// safepoint polls. Interrupts are only ever raised on the main worker.
func (e *Engine) pollSafepoint(w *vm.Worker, t *vm.Task, ctx *vm.Context) bool {
	if !e.safepoint.SigintPending() {
		return false
	}
	if mw := e.m.MainWorker(); mw != w {
		return false
	}
	if t.SignalsDeferred() {
		e.safepoint.DeferSigint()
		return false
	}
	if !e.safepoint.ConsumeSigint() {
		return false
	}
	e.safepoint.ClearForceSigint()
	e.throwInContext(w, t, vm.InterruptError, ctx)
	return true
}
