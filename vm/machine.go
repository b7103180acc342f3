package vm

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
)

// DefaultStackLimit is the default guest frame-stack capacity.
const DefaultStackLimit = 256

// HostContext gives a host function access to the calling guest.
type HostContext struct {
	M *Machine
	W *Worker
	T *Task
}

// Reg returns guest register i at the call site. Only valid for the duration
// of the host call, on the calling worker's goroutine.
func (hc *HostContext) Reg(i int) int64 { return hc.W.ctx.Regs[i] }

// HostFunc is a host-side function callable from guest code via OpHost.
type HostFunc func(hc *HostContext) int64

// Config carries machine construction options.
type Config struct {
	// StackLimit bounds the guest frame stack; 0 means DefaultStackLimit.
	StackLimit int
}

var ErrHandlerInstalled = errors.New("vm: a different fault handler is already installed")

var taskMgr = gls.NewContextManager()

type taskKeyType struct{}

var taskKey taskKeyType

// Machine owns the workers and tasks of one runtime instance.
type Machine struct {
	mu      sync.Mutex
	workers []*Worker
	tasks   []*Task
	hostFns []HostFunc

	fault FaultHandler
	poll  PollFunc

	ioGen atomic.Uint64

	stackLimit int
}

// NewMachine creates an empty machine.
func NewMachine(cfg Config) *Machine {
	limit := cfg.StackLimit
	if limit <= 0 {
		limit = DefaultStackLimit
	}
	return &Machine{stackLimit: limit}
}

// SetFaultHandler installs the vectored fault handler. Installing the same
// handler twice is a no-op; installing over a different one is an error.
func (m *Machine) SetFaultHandler(h FaultHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil && h != nil {
		return ErrHandlerInstalled
	}
	m.fault = h
	return nil
}

func (m *Machine) faultHandler() FaultHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// SetPollFunc installs the safepoint poll hook.
func (m *Machine) SetPollFunc(p PollFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poll = p
}

func (m *Machine) pollFunc() PollFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll
}

// RegisterHost adds a host function and returns its index for OpHost.
func (m *Machine) RegisterHost(fn HostFunc) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostFns = append(m.hostFns, fn)
	return len(m.hostFns) - 1
}

func (m *Machine) hostFn(i int) HostFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.hostFns) {
		return nil
	}
	return m.hostFns[i]
}

// Spawn creates a task for the program and starts a worker goroutine
// executing it. The first spawned worker is the main worker.
func (m *Machine) Spawn(prog *Program) (*Task, *Worker) {
	m.mu.Lock()
	t := newTask(len(m.tasks))
	w := newWorker(m, len(m.workers), prog, t, m.stackLimit)
	m.tasks = append(m.tasks, t)
	m.workers = append(m.workers, w)
	m.mu.Unlock()

	go taskMgr.SetValues(gls.Values{taskKey: t}, w.run)
	return t, w
}

// Workers returns a snapshot of all workers, index-addressable.
func (m *Machine) Workers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Worker(nil), m.workers...)
}

// MainWorker returns worker 0, or nil before the first Spawn.
func (m *Machine) MainWorker() *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.workers) == 0 {
		return nil
	}
	return m.workers[0]
}

// Tasks returns a snapshot of all tasks.
func (m *Machine) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Task(nil), m.tasks...)
}

// WakeIO wakes every worker blocked in guest I/O wait so a pending interrupt
// can be observed at the next cooperative poll.
func (m *Machine) WakeIO() {
	m.ioGen.Add(1)
}

// CurrentTask returns the task executing on the calling goroutine, or nil
// when called from an unmanaged goroutine.
func CurrentTask() *Task {
	v, ok := taskMgr.GetValue(taskKey)
	if !ok {
		return nil
	}
	t, _ := v.(*Task)
	return t
}
