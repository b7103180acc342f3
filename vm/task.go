package vm

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ExceptionKind classifies the built-in runtime exceptions.
type ExceptionKind uint8

const (
	ExcDivide ExceptionKind = iota + 1
	ExcStackOverflow
	ExcInterrupt
	ExcReadOnlyMemory
)

func (k ExceptionKind) String() string {
	switch k {
	case ExcDivide:
		return "DivideError"
	case ExcStackOverflow:
		return "StackOverflowError"
	case ExcInterrupt:
		return "InterruptError"
	case ExcReadOnlyMemory:
		return "ReadOnlyMemoryError"
	default:
		return "UnknownError"
	}
}

// Exception is a language-level exception object.
type Exception struct {
	Kind    ExceptionKind
	Message string
}

func (e *Exception) String() string { return e.Kind.String() + ": " + e.Message }

// The built-in exception singletons delivered by the signal core.
var (
	DivideError         = &Exception{Kind: ExcDivide, Message: "integer division by zero"}
	StackOverflowError  = &Exception{Kind: ExcStackOverflow, Message: "guest stack exhausted"}
	InterruptError      = &Exception{Kind: ExcInterrupt, Message: "interrupted"}
	ReadOnlyMemoryError = &Exception{Kind: ExcReadOnlyMemory, Message: "write to read-only memory"}
)

// GCState is a task's safepoint/collector state.
type GCState int32

const (
	GCRunning GCState = iota
	GCSafe
	GCWaiting
)

// Handler is one entry of a task's exception-handler chain: the context to
// restore to re-enter the protected region's handler, and the enclosing entry.
type Handler struct {
	saved Context
	prev  *Handler
}

// Saved returns the handler's resume context.
func (h *Handler) Saved() Context { return h.saved }

// Task is the runtime's schedulable unit of guest execution.
//
// The handler chain and backtrace buffer are mutated only by code running as
// the task, or by another worker acting on its behalf while the owning worker
// is suspended; they need no locking of their own.
type Task struct {
	ID    uuid.UUID
	Index int

	eh *Handler

	pending     atomic.Pointer[Exception]
	ioWait      atomic.Bool
	deferSignal atomic.Int32
	gcState     atomic.Int32

	bt    [MaxBacktrace]uint64
	btLen int

	worker *Worker
}

func newTask(index int) *Task {
	return &Task{ID: uuid.New(), Index: index}
}

// Worker returns the worker that owns the task.
func (t *Task) Worker() *Worker { return t.worker }

// PushHandler pushes a handler frame onto the chain.
func (t *Task) PushHandler(saved Context) {
	t.eh = &Handler{saved: saved, prev: t.eh}
}

// PopHandler pops the innermost handler frame and returns its resume context.
func (t *Task) PopHandler() (Context, bool) {
	if t.eh == nil {
		return Context{}, false
	}
	saved := t.eh.saved
	t.eh = t.eh.prev
	return saved, true
}

// HasHandler reports whether the handler chain is non-empty. An empty chain
// means a delivered fault is fatal.
func (t *Task) HasHandler() bool { return t.eh != nil }

// HandlerDepth returns the number of active handler frames.
func (t *Task) HandlerDepth() int {
	n := 0
	for h := t.eh; h != nil; h = h.prev {
		n++
	}
	return n
}

// PendingException returns the exception most recently delivered to the task.
func (t *Task) PendingException() *Exception { return t.pending.Load() }

// SetPendingException stores the exception being delivered.
func (t *Task) SetPendingException(e *Exception) { t.pending.Store(e) }

// TakeException returns the pending exception and clears the slot.
func (t *Task) TakeException() *Exception { return t.pending.Swap(nil) }

// IOWait reports whether the task is blocked waiting on I/O.
func (t *Task) IOWait() bool { return t.ioWait.Load() }

// SetIOWait sets the task's I/O-wait flag.
func (t *Task) SetIOWait(v bool) { t.ioWait.Store(v) }

// DeferSignals increments the task's deferred-signal counter.
func (t *Task) DeferSignals() { t.deferSignal.Add(1) }

// UndeferSignals decrements the task's deferred-signal counter.
func (t *Task) UndeferSignals() { t.deferSignal.Add(-1) }

// SignalsDeferred reports whether asynchronous delivery is currently deferred.
func (t *Task) SignalsDeferred() bool { return t.deferSignal.Load() > 0 }

// GCState returns the task's safepoint state.
func (t *Task) GCState() GCState { return GCState(t.gcState.Load()) }

// SetGCState sets the task's safepoint state.
func (t *Task) SetGCState(s GCState) { t.gcState.Store(int32(s)) }

// BacktraceSlice exposes the full backtrace buffer for a collector to fill.
func (t *Task) BacktraceSlice() []uint64 { return t.bt[:] }

// SetBacktraceLen records how many entries of the buffer are live.
func (t *Task) SetBacktraceLen(n int) {
	if n < 0 {
		n = 0
	}
	if n > MaxBacktrace {
		n = MaxBacktrace
	}
	t.btLen = n
}

// ResetBacktrace clears the backtrace buffer length.
func (t *Task) ResetBacktrace() { t.btLen = 0 }

// BacktraceLen returns the number of live backtrace entries.
func (t *Task) BacktraceLen() int { return t.btLen }

// Backtrace returns a copy of the live backtrace entries.
func (t *Task) Backtrace() []uint64 {
	out := make([]uint64, t.btLen)
	copy(out, t.bt[:t.btLen])
	return out
}
