package signals

import "ember/vm"

// throwInContext rewrites ctx so that resuming it delivers exc into the
// task's innermost handler frame. Faults land at arbitrary instruction
// boundaries; the only legal way to redirect control is to rewrite the
// captured state the worker will resume from, never to call handler code.
//
// A registered fault-site restore point takes priority over everything else:
// it is the narrow re-entrancy escape used while the runtime itself is
// mid-fault-handling, and needs neither task nor exception.
func (e *Engine) throwInContext(w *vm.Worker, t *vm.Task, exc *vm.Exception, ctx *vm.Context) {
	if sr := w.SafeRestore(); sr != nil {
		if !simulateResume(ctx, sr) {
			e.abort("signals: cannot restore fault-site context")
		}
		return
	}
	if t == nil || exc == nil {
		e.abort("signals: exception delivery without a task")
		return
	}
	t.ResetBacktrace()
	if exc.Kind != vm.ExcStackOverflow {
		n := vm.Backtrace(t.BacktraceSlice(), vm.MaxBacktrace, ctx, w.Stack())
		t.SetBacktraceLen(n)
	} else if f := e.readyFiber(); f != nil {
		// A genuine stack exhaustion leaves no headroom to walk the stack
		// here; hand the context to the fiber and collect on its stack.
		f.mu.Lock()
		f.collect(ctx, t, w.Stack())
		f.mu.Unlock()
	}
	t.SetPendingException(exc)
	t.SetIOWait(false)
	if saved, ok := t.PopHandler(); ok {
		if !simulateResume(ctx, &saved) {
			e.abort("signals: cannot simulate resume into handler frame")
		}
		return
	}
	e.noExcHandler(exc, t)
}

// simulateResume emulates a non-local jump directly on the register snapshot:
// ctx is overwritten with the saved resume state. It refuses a saved context
// that was never validly captured or that would grow the frame stack.
func simulateResume(ctx *vm.Context, saved *vm.Context) bool {
	if !saved.Valid() || !ctx.Valid() {
		return false
	}
	if saved.SP > ctx.SP {
		return false
	}
	*ctx = *saved
	return true
}

func (e *Engine) readyFiber() *btFiber {
	e.fiberMu.Lock()
	defer e.fiberMu.Unlock()
	return e.fiber
}

func (e *Engine) noExcHandler(exc *vm.Exception, t *vm.Task) {
	if v := e.noHandler.Load(); v != nil {
		if fn, ok := v.(func(*vm.Exception, *vm.Task)); ok && fn != nil {
			fn(exc, t)
			return
		}
	}
	e.logLine("fatal: " + exc.String() + " thrown with no exception handler")
	e.exit(1)
}
