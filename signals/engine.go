// Package signals is the asynchronous fault and signal delivery core of the
// ember runtime: it turns machine-level faults and console interrupts into
// guest exceptions delivered into the interrupted task's control flow, and
// hosts the sampling profiler that reuses the same stack-capture machinery.
package signals

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ember/hal"
	"ember/vm"
)

// DefaultFiberStack is the stack reserve for the backtrace fiber.
const DefaultFiberStack = 128 * 1024

// DefaultProfileBuffer is the default sample buffer capacity in words.
const DefaultProfileBuffer = 1 << 16

// Config carries engine construction options.
type Config struct {
	// FiberStack is the backtrace fiber's stack reserve in bytes.
	FiberStack int
	// ProfileBuffer is the sample buffer capacity in words.
	ProfileBuffer int
	// ProfilePeriod is the sampling period; clamped to 1ms minimum.
	ProfilePeriod time.Duration
	// AutoStopSamples stops the profiler after this many samples (0 = never).
	AutoStopSamples int
}

// Engine owns all process-wide signal state: the safepoint flag, the
// backtrace fiber, the profiler, and the stack-walk locks. It is constructed
// once at startup and lives until process exit.
type Engine struct {
	m    *vm.Machine
	host hal.Host
	log  hal.Logger

	safepoint Safepoint

	// walkMu serializes on-demand stack walks; profMu is the profiler data
	// lock. Both are held, in that order, around every suspend+inspect
	// sequence so interrupt delivery and sampling never overlap.
	walkMu sync.Mutex
	profMu sync.Mutex

	fiberMu sync.Mutex
	fiber   *btFiber

	prof profiler

	installed       atomic.Bool
	exitOnInterrupt atomic.Bool
	ignoreInterrupt atomic.Bool

	noHandler atomic.Value // func(*vm.Exception, *vm.Task)
	critical  atomic.Value // func(*vm.Worker, *vm.Task, *vm.Fault)
	exitFn    atomic.Value // func(int)

	criticalEntries atomic.Int32

	fiberStack int
}

// New creates the engine for a machine. host and log must be non-nil.
func New(m *vm.Machine, host hal.Host, log hal.Logger, cfg Config) *Engine {
	e := &Engine{m: m, host: host, log: log}
	if cfg.FiberStack <= 0 {
		cfg.FiberStack = DefaultFiberStack
	}
	if cfg.ProfileBuffer <= 0 {
		cfg.ProfileBuffer = DefaultProfileBuffer
	}
	if cfg.ProfilePeriod <= 0 {
		cfg.ProfilePeriod = time.Millisecond
	}
	e.prof.init(cfg.ProfileBuffer, cfg.ProfilePeriod, cfg.AutoStopSamples)
	e.fiberStack = cfg.FiberStack
	return e
}

// Machine returns the machine the engine serves.
func (e *Engine) Machine() *vm.Machine { return e.m }

// Install registers the full set of fault and interrupt hooks on the machine.
// Idempotent; fails only when a foreign fault handler is already installed,
// which callers must treat as fatal at startup.
func (e *Engine) Install() error {
	if e.installed.Load() {
		return nil
	}
	if err := e.m.SetFaultHandler(e.handleFault); err != nil {
		return err
	}
	e.m.SetPollFunc(e.pollSafepoint)
	e.installed.Store(true)
	return nil
}

// Uninstall removes the engine's hooks from the machine.
func (e *Engine) Uninstall() {
	if !e.installed.Swap(false) {
		return
	}
	e.m.SetFaultHandler(nil)
	e.m.SetPollFunc(nil)
}

// InstallWorkerHooks performs the per-worker one-time setup; the first call
// process-wide creates the backtrace fiber.
func (e *Engine) InstallWorkerHooks(w *vm.Worker) {
	e.fiberMu.Lock()
	defer e.fiberMu.Unlock()
	if e.fiber == nil {
		e.fiber = newBTFiber(e.fiberStack, e.log)
	}
}

// LockStackwalk serializes the caller against the profiler and any other
// stack walk. Every suspend+inspect sequence must run under it.
func (e *Engine) LockStackwalk() {
	e.walkMu.Lock()
	e.profMu.Lock()
}

// UnlockStackwalk releases the locks taken by LockStackwalk.
func (e *Engine) UnlockStackwalk() {
	e.profMu.Unlock()
	e.walkMu.Unlock()
}

// SuspendWorkerAndGetState suspends worker tid and captures its context for a
// stack walk. A worker that is not alive (or not yet spawned) is skipped
// without touching it and reports that no context was obtained.
func (e *Engine) SuspendWorkerAndGetState(tid int) (vm.Context, bool) {
	w := e.workerByIndex(tid)
	if w == nil || !w.Alive() {
		return vm.Context{}, false
	}
	if !w.Suspend() {
		return vm.Context{}, false
	}
	ctx, ok := w.ReadContext()
	if !ok {
		if !w.Resume() {
			e.abort("failed to resume worker after context read failure")
		}
		return vm.Context{}, false
	}
	return ctx, true
}

// ResumeWorker resumes worker tid after a stack walk. A worker left
// permanently suspended is worse than continuing, so failure aborts.
func (e *Engine) ResumeWorker(tid int) {
	w := e.workerByIndex(tid)
	if w == nil {
		return
	}
	if !w.Resume() {
		e.abort("failed to resume worker! aborting.")
	}
}

func (e *Engine) workerByIndex(tid int) *vm.Worker {
	ws := e.m.Workers()
	if tid < 0 || tid >= len(ws) {
		return nil
	}
	return ws[tid]
}

// SetExitOnInterrupt makes console interrupts exit the process instead of
// delivering an exception.
func (e *Engine) SetExitOnInterrupt(v bool) { e.exitOnInterrupt.Store(v) }

// SetIgnoreInterrupt drops console interrupts entirely.
func (e *Engine) SetIgnoreInterrupt(v bool) { e.ignoreInterrupt.Store(v) }

// SetNoHandlerFunc replaces the collaborator invoked when an exception is
// delivered to a task with an empty handler chain.
func (e *Engine) SetNoHandlerFunc(fn func(*vm.Exception, *vm.Task)) {
	e.noHandler.Store(fn)
}

// SetCriticalFunc replaces the fatal-diagnostic collaborator.
func (e *Engine) SetCriticalFunc(fn func(*vm.Worker, *vm.Task, *vm.Fault)) {
	e.critical.Store(fn)
}

// SetExitFunc replaces the process-exit primitive.
func (e *Engine) SetExitFunc(fn func(int)) { e.exitFn.Store(fn) }

func (e *Engine) exit(code int) {
	if v := e.exitFn.Load(); v != nil {
		if fn, ok := v.(func(int)); ok && fn != nil {
			fn(code)
			return
		}
	}
	os.Exit(code)
}

// abort reports an unrecoverable protocol violation and terminates.
func (e *Engine) abort(msg string) {
	e.log.WriteLineString(msg)
	e.exit(134)
}

func (e *Engine) logLine(s string) { e.log.WriteLineString(s) }

