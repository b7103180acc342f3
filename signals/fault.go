package signals

import (
	"fmt"
	"runtime/debug"

	"ember/vm"
)

// handleFault is the installed vectored fault handler. It mirrors the
// delivery policy of the runtime: known fault categories with a live handler
// chain become guest exceptions delivered by context rewrite; everything else
// falls through to the diagnostic report-and-terminate path.
func (e *Engine) handleFault(w *vm.Worker, t *vm.Task, f *vm.Fault) vm.Disposition {
	if t != nil && t.GCState() != vm.GCWaiting {
		switch f.Kind {
		case vm.FaultDivide:
			if t.HasHandler() || w.SafeRestore() != nil {
				e.throwInContext(w, t, vm.DivideError, &f.Context)
				return vm.Continue
			}
		case vm.FaultStackOverflow:
			if t.HasHandler() || w.SafeRestore() != nil {
				e.throwInContext(w, t, vm.StackOverflowError, &f.Context)
				return vm.Continue
			}
		case vm.FaultProtection:
			if w.SafeRestore() != nil {
				e.throwInContext(w, nil, nil, &f.Context)
				return vm.Continue
			}
			if t.HasHandler() && f.Write {
				e.throwInContext(w, t, vm.ReadOnlyMemoryError, &f.Context)
				return vm.Continue
			}
		}
	}
	if f.Kind == vm.FaultIllegal {
		e.showIllegal(w, f)
	}
	e.reportFault(w, t, f)
	return vm.Halt
}

func (e *Engine) showIllegal(w *vm.Worker, f *vm.Fault) {
	e.logLine(fmt.Sprintf("invalid instruction %#x at %s", f.Addr, e.locate(w, f.PC)))
}

func (e *Engine) locate(w *vm.Worker, pc uint32) string {
	if w == nil || w.Program() == nil {
		return fmt.Sprintf("pc %#x", pc)
	}
	return w.Program().Locate(pc)
}

// reportFault is the terminal diagnostic path for unhandled faults. It prints
// the category, address and a simplified decoded location, invokes the
// critical collaborator once, and terminates. A second entry terminates
// unconditionally so a fault inside the reporter cannot recurse.
func (e *Engine) reportFault(w *vm.Worker, t *vm.Task, f *vm.Fault) {
	if e.criticalEntries.Add(1) > 1 {
		e.exit(1)
		return
	}
	e.logLine("")
	e.logLine("Unhandled fault: " + f.Kind.String() +
		fmt.Sprintf(" at %#x -- %s", f.Addr, e.locate(w, f.PC)))
	e.criticalError(w, t, f)
	e.exit(1)
}

func (e *Engine) criticalError(w *vm.Worker, t *vm.Task, f *vm.Fault) {
	if v := e.critical.Load(); v != nil {
		if fn, ok := v.(func(*vm.Worker, *vm.Task, *vm.Fault)); ok && fn != nil {
			fn(w, t, f)
			return
		}
	}
	if t != nil {
		n := vm.Backtrace(t.BacktraceSlice(), vm.MaxBacktrace, &f.Context, w.Stack())
		t.SetBacktraceLen(n)
		for _, pc := range t.Backtrace() {
			e.logLine("  " + e.locate(w, uint32(pc)))
		}
	}
	e.log.WriteLineBytes(debug.Stack())
}
