package signals

import (
	"sync"

	"github.com/jtolds/gls"

	"ember/hal"
	"ember/vm"
)

// btFiber is the process-wide secondary execution stack used to collect a
// backtrace when the faulting stack itself has no headroom left. There is
// exactly one per process, created lazily on first worker init; the mutex
// serializes invocations because stack overflows are rare enough that
// queueing a concurrent one is acceptable.
type btFiber struct {
	mu sync.Mutex

	enter chan fiberSwitch
	ret   chan int

	log hal.Logger
}

// fiberSwitch is the parameter carried by an explicit switch into the fiber:
// the fault-site context (not the fiber's own), the task whose buffer gets
// the result, and the faulting worker's frame stack.
type fiberSwitch struct {
	ctx   *vm.Context
	task  *vm.Task
	stack *vm.Stack
}

func newBTFiber(stackReserve int, log hal.Logger) *btFiber {
	f := &btFiber{
		enter: make(chan fiberSwitch),
		ret:   make(chan int),
		log:   log,
	}
	ready := make(chan struct{})
	gls.Go(func() { f.loop(stackReserve, ready) })
	<-ready
	return f
}

func (f *btFiber) loop(stackReserve int, ready chan struct{}) {
	// Grow this goroutine's stack up front so collection never needs fresh
	// stack while the process is mid-overflow.
	reserveStack(stackReserve)
	close(ready)
	for sw := range f.enter {
		f.log.WriteLineString("Warning: detected a stack overflow; backtrace may stop early")
		n := vm.Backtrace(sw.task.BacktraceSlice(), vm.MaxBacktrace, sw.ctx, sw.stack)
		sw.task.SetBacktraceLen(n)
		f.ret <- n
	}
}

// collect switches to the fiber with the fault context as parameter and
// blocks until the fiber switches back. Callers must hold f.mu.
func (f *btFiber) collect(ctx *vm.Context, t *vm.Task, st *vm.Stack) int {
	f.enter <- fiberSwitch{ctx: ctx, task: t, stack: st}
	return <-f.ret
}

const reserveFrame = 4096

//go:noinline
func reserveStack(n int) int {
	var pad [reserveFrame]byte
	pad[0] = byte(n)
	if n <= reserveFrame {
		return int(pad[0])
	}
	return reserveStack(n-reserveFrame) + int(pad[reserveFrame-1])
}
