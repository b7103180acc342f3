package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// FaultKind classifies a machine-level fault raised by the interpreter.
type FaultKind uint8

const (
	FaultDivide FaultKind = iota + 1
	FaultStackOverflow
	FaultProtection
	FaultIllegal
)

func (k FaultKind) String() string {
	switch k {
	case FaultDivide:
		return "FAULT_INT_DIVIDE_BY_ZERO"
	case FaultStackOverflow:
		return "FAULT_STACK_OVERFLOW"
	case FaultProtection:
		return "FAULT_ACCESS_VIOLATION"
	case FaultIllegal:
		return "FAULT_ILLEGAL_INSTRUCTION"
	default:
		return "FAULT_UNKNOWN"
	}
}

// Fault is a synchronous fault notification: the category, the faulting data
// address (when meaningful), whether the access was a write, the code offset
// of the faulting instruction, and a full context captured at the fault site.
type Fault struct {
	Kind    FaultKind
	Addr    uint32
	Write   bool
	PC      uint32
	Context Context
}

// Disposition tells the interpreter how to continue after a fault handler ran.
type Disposition uint8

const (
	// Continue resumes execution from the (possibly rewritten) fault context.
	Continue Disposition = iota
	// Halt stops the worker.
	Halt
)

// FaultHandler is the installed vectored fault handler.
type FaultHandler func(w *Worker, t *Task, f *Fault) Disposition

// PollFunc runs at guest safepoint polls. It may rewrite ctx; returning true
// makes the worker adopt the rewritten context.
type PollFunc func(w *Worker, t *Task, ctx *Context) bool

// Worker executes a task's guest code. It plays the role of an OS thread:
// other workers may suspend it, read and rewrite its full context, and resume
// it. A worker never reads or writes its own captured context; only another
// worker does, while this one is parked.
type Worker struct {
	ID int

	m    *Machine
	prog *Program
	task *Task

	mu         sync.Mutex
	cond       *sync.Cond
	suspendReq int
	suspended  bool
	redirected bool
	alive      bool
	done       chan struct{}

	suspendPending atomic.Bool
	sleeping       atomic.Bool

	ctx   Context
	stack *Stack
	data  []int64

	safeRestore *Context
}

func newWorker(m *Machine, id int, prog *Program, t *Task, stackLimit int) *Worker {
	w := &Worker{
		ID:    id,
		m:     m,
		prog:  prog,
		task:  t,
		alive: true,
		done:  make(chan struct{}),
		stack: newStack(stackLimit),
		data:  append([]int64(nil), prog.Data...),
	}
	w.cond = sync.NewCond(&w.mu)
	w.ctx.valid = true
	t.worker = w
	return w
}

// Task returns the task the worker is executing.
func (w *Worker) Task() *Task { return w.task }

// Program returns the program image the worker executes.
func (w *Worker) Program() *Program { return w.prog }

// Stack returns the worker's frame stack. Callers other than the worker
// itself must hold the worker suspended.
func (w *Worker) Stack() *Stack { return w.stack }

// Alive reports whether the worker is still executing.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// Sleeping reports whether the worker is parked in guest I/O wait.
func (w *Worker) Sleeping() bool { return w.sleeping.Load() }

// Wait blocks until the worker halts.
func (w *Worker) Wait() { <-w.done }

// SetSafeRestore registers a fault-site restore point: while set, any fault
// on this worker transfers control there instead of into task handlers.
func (w *Worker) SetSafeRestore(ctx *Context) { w.safeRestore = ctx }

// SafeRestore returns the registered restore point, or nil.
func (w *Worker) SafeRestore() *Context { return w.safeRestore }

// Suspend stops the worker at its next preemption point and blocks until it
// is parked. Fails if the worker is no longer alive.
func (w *Worker) Suspend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive {
		return false
	}
	w.suspendReq++
	w.suspendPending.Store(true)
	w.cond.Broadcast()
	for !w.suspended && w.alive {
		w.cond.Wait()
	}
	if !w.alive {
		w.suspendReq--
		return false
	}
	return true
}

// Resume releases one matching Suspend. Fails if the worker was not suspended.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suspendReq == 0 {
		return false
	}
	w.suspendReq--
	if w.suspendReq == 0 {
		w.suspendPending.Store(false)
	}
	w.cond.Broadcast()
	return true
}

// ReadContext captures the worker's machine state. The worker must be
// suspended by the caller; fails otherwise, or if the worker died. The Bridge
// performs no recovery: on failure the caller still owns the resume.
func (w *Worker) ReadContext() (Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive || !w.suspended {
		return Context{}, false
	}
	c := w.ctx
	c.valid = true
	return c, true
}

// WriteContext replaces the worker's machine state so that resuming continues
// from the given context. The worker must be suspended by the caller.
func (w *Worker) WriteContext(c Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive || !w.suspended || !c.valid {
		return false
	}
	w.ctx = c
	w.redirected = true
	return true
}

// gate parks the worker while suspension is requested. Returns true when the
// context was rewritten while parked; the frame stack has then already been
// cut back to the new SP.
func (w *Worker) gate() bool {
	w.mu.Lock()
	for w.suspendReq > 0 {
		w.suspended = true
		w.cond.Broadcast()
		w.cond.Wait()
	}
	w.suspended = false
	redirected := w.redirected
	w.redirected = false
	w.mu.Unlock()
	if redirected {
		w.stack.truncate(int(w.ctx.SP))
	}
	return redirected
}

// setContext adopts a rewritten context on the worker's own goroutine.
func (w *Worker) setContext(c Context) {
	w.ctx = c
	w.ctx.valid = true
	w.stack.truncate(int(w.ctx.SP))
}

// captureSelf snapshots the worker's own live state. Only the worker
// goroutine itself may call it; the PC is whatever the loop last stored.
func (w *Worker) captureSelf() Context {
	c := w.ctx
	c.SP = uint32(w.stack.Depth())
	c.valid = true
	return c
}

// fault raises a synchronous fault at pc and dispatches it to the installed
// handler. Returns false when the worker must halt.
func (w *Worker) fault(kind FaultKind, pc, addr uint32, write bool) bool {
	f := &Fault{Kind: kind, Addr: addr, Write: write, PC: pc}
	f.Context = w.captureSelf()
	f.Context.PC = pc
	h := w.m.faultHandler()
	if h == nil {
		return false
	}
	if h(w, w.task, f) != Continue {
		return false
	}
	w.setContext(f.Context)
	return true
}

func (w *Worker) halt() {
	w.mu.Lock()
	w.alive = false
	w.suspended = false
	w.cond.Broadcast()
	w.mu.Unlock()
	close(w.done)
}

const ioWaitPollInterval = 50 * time.Microsecond

// run is the interpreter loop. Suspension is checked between instructions:
// from the guest's perspective preemption can hit any instruction boundary.
func (w *Worker) run() {
	defer w.halt()
	for {
		if w.suspendPending.Load() {
			w.gate()
		}
		pc := w.ctx.PC
		if int(pc) >= len(w.prog.Code) {
			if !w.fault(FaultIllegal, pc, pc, false) {
				return
			}
			continue
		}
		ins := w.prog.Code[pc]
		w.ctx.PC = pc + 1
		switch ins.Op {
		case OpNop:
		case OpHalt:
			return
		case OpLoadImm:
			w.ctx.Regs[ins.A] = ins.Imm
		case OpMov:
			w.ctx.Regs[ins.A] = w.ctx.Regs[ins.B]
		case OpAdd:
			w.ctx.Regs[ins.A] = w.ctx.Regs[ins.B] + w.ctx.Regs[ins.C]
		case OpSub:
			w.ctx.Regs[ins.A] = w.ctx.Regs[ins.B] - w.ctx.Regs[ins.C]
		case OpDiv:
			if w.ctx.Regs[ins.C] == 0 {
				if !w.fault(FaultDivide, pc, 0, false) {
					return
				}
				continue
			}
			w.ctx.Regs[ins.A] = w.ctx.Regs[ins.B] / w.ctx.Regs[ins.C]
		case OpLoad:
			addr := uint32(w.ctx.Regs[ins.B] + ins.Imm)
			v, ok := w.loadData(addr)
			if !ok {
				if !w.fault(FaultProtection, pc, addr, false) {
					return
				}
				continue
			}
			w.ctx.Regs[ins.A] = v
		case OpStore:
			addr := uint32(w.ctx.Regs[ins.B] + ins.Imm)
			if !w.storeData(addr, w.ctx.Regs[ins.A]) {
				if !w.fault(FaultProtection, pc, addr, true) {
					return
				}
				continue
			}
		case OpJmp:
			w.ctx.PC = uint32(ins.Imm)
		case OpJnz:
			if w.ctx.Regs[ins.A] != 0 {
				w.ctx.PC = uint32(ins.Imm)
			}
		case OpCall:
			if !w.stack.push(Frame{RetPC: pc + 1, Fn: uint32(ins.Imm)}) {
				if !w.fault(FaultStackOverflow, pc, 0, false) {
					return
				}
				continue
			}
			w.ctx.SP = uint32(w.stack.Depth())
			w.ctx.PC = uint32(ins.Imm)
		case OpRet:
			f, ok := w.stack.pop()
			if !ok {
				return
			}
			w.ctx.SP = uint32(w.stack.Depth())
			w.ctx.PC = f.RetPC
		case OpEnter:
			saved := w.captureSelf()
			saved.PC = uint32(ins.Imm)
			w.task.PushHandler(saved)
		case OpLeave:
			w.task.PopHandler()
		case OpPoll:
			if p := w.m.pollFunc(); p != nil {
				c := w.captureSelf()
				if p(w, w.task, &c) {
					w.setContext(c)
				}
			}
		case OpWait:
			w.waitIO()
		case OpHost:
			if fn := w.m.hostFn(int(ins.Imm)); fn != nil {
				w.ctx.Regs[ins.A] = fn(&HostContext{M: w.m, W: w, T: w.task})
			}
		default:
			if !w.fault(FaultIllegal, pc, uint32(ins.Op), false) {
				return
			}
		}
	}
}

// waitIO blocks the task in I/O wait until the machine wakes it, the flag is
// cleared externally, or an injected exception redirects the context.
func (w *Worker) waitIO() {
	gen := w.m.ioGen.Load()
	w.task.SetIOWait(true)
	w.sleeping.Store(true)
	defer w.sleeping.Store(false)
	for w.task.IOWait() {
		if w.suspendPending.Load() {
			if w.gate() {
				return
			}
		}
		if w.m.ioGen.Load() != gen {
			w.task.SetIOWait(false)
			return
		}
		time.Sleep(ioWaitPollInterval)
	}
}

func (w *Worker) loadData(addr uint32) (int64, bool) {
	a := int(addr)
	if a < len(w.data) {
		return w.data[a], true
	}
	a -= len(w.data)
	if a < len(w.prog.ROData) {
		return w.prog.ROData[a], true
	}
	return 0, false
}

func (w *Worker) storeData(addr uint32, v int64) bool {
	a := int(addr)
	if a >= len(w.data) {
		return false
	}
	w.data[a] = v
	return true
}
