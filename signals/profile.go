package signals

import (
	"sync"
	"sync/atomic"
	"time"

	"ember/vm"
)

// StartResult describes the outcome of StartProfiler.
type StartResult uint8

const (
	StartOK StartResult = iota
	StartErrTimerQuery
	StartErrThreadCreate
	StartErrThreadResume
)

func (r StartResult) String() string {
	switch r {
	case StartOK:
		return "ok"
	case StartErrTimerQuery:
		return "timer resolution query failed"
	case StartErrThreadCreate:
		return "profiler thread creation failed"
	case StartErrThreadResume:
		return "profiler thread resume failed"
	default:
		return "unknown"
	}
}

// trailerWords is the fixed metadata trailer plus the two-zero terminator.
const trailerWords = 6

// Sleeping-state words; a block field is never encoded as 0 since 0,0
// terminates the block.
const (
	profStateAwake    = 1
	profStateSleeping = 2
)

// Sample is one decoded profiler block.
type Sample struct {
	PCs       []uint64
	WorkerID  int
	TaskIndex int
	Cycles    uint64
	Sleeping  bool
}

// profiler is the background sampling state. The sample buffer has a single
// producer (the profiler thread) appending under the shared stack-walk lock;
// mu guards the running/timer pairing and thread lifecycle.
type profiler struct {
	mu sync.Mutex

	buf []uint64
	cur int

	running  atomic.Bool
	allTasks atomic.Bool

	period    atomic.Int64
	periodMin time.Duration

	started bool
	parked  atomic.Bool
	resume  chan struct{}

	autoStop int
	samples  int
}

func (p *profiler) init(bufWords int, period time.Duration, autoStop int) {
	p.buf = make([]uint64, bufWords)
	p.period.Store(int64(period))
	p.resume = make(chan struct{}, 1)
	p.autoStop = autoStop
}

func (p *profiler) bufferFull() bool {
	return p.cur+vm.MaxBacktrace+trailerWords > len(p.buf)
}

// StartProfiler starts (or resumes) the sampling profiler. Starting is
// idempotent in effect: the background thread is created on first use and
// merely resumed afterwards. Timer resolution is raised once per start and
// restored by StopProfiler.
func (e *Engine) StartProfiler(allTasks bool) StartResult {
	p := &e.prof
	p.mu.Lock()
	if !p.started {
		caps, err := e.host.TimerCaps()
		if err != nil {
			p.mu.Unlock()
			e.logLine("failed to get timer resolution")
			return StartErrTimerQuery
		}
		p.periodMin = caps
		p.started = true
		go p.loop(e)
	} else if p.parked.Load() {
		if !p.unpark() {
			p.mu.Unlock()
			e.logLine("failed to resume profiling thread.")
			return StartErrThreadResume
		}
	}
	if !p.running.Load() {
		// Failure to raise the timer resolution is not fatal, but Begin and
		// End must stay paired; a failed Begin voids the later End.
		if err := e.host.BeginPeriod(p.periodMin); err != nil {
			p.periodMin = 0
		}
	}
	p.allTasks.Store(allTasks)
	p.running.Store(true)
	p.mu.Unlock()
	return StartOK
}

// StopProfiler stops sampling. Always succeeds and is idempotent; the timer
// resolution raised by StartProfiler is restored exactly once.
func (e *Engine) StopProfiler() {
	p := &e.prof
	p.mu.Lock()
	if p.running.Load() && p.periodMin != 0 {
		e.host.EndPeriod(p.periodMin)
	}
	p.running.Store(false)
	p.allTasks.Store(false)
	p.mu.Unlock()
}

// ProfilerRunning reports whether sampling is active.
func (e *Engine) ProfilerRunning() bool { return e.prof.running.Load() }

func (p *profiler) unpark() bool {
	select {
	case p.resume <- struct{}{}:
		return true
	default:
		return true
	}
}

func (p *profiler) park() {
	p.parked.Store(true)
	<-p.resume
	p.parked.Store(false)
}

// loop is the profiler thread. It never exits on its own except when the
// target cannot be suspended; a full buffer only parks it so a later start
// can resume it instead of recreating it.
func (p *profiler) loop(e *Engine) {
	for {
		d := time.Duration(p.period.Load())
		if d < time.Millisecond {
			d = time.Millisecond
		}
		e.host.Sleep(d)
		if !p.running.Load() {
			continue
		}
		if p.bufferFull() {
			e.StopProfiler()
			p.park()
			continue
		}
		if p.allTasks.Load() {
			e.profileAllTasks()
			continue
		}
		if !e.profileWorker(0) {
			e.logLine("failed to suspend main worker. aborting profiling.")
			e.StopProfiler()
			break
		}
		p.checkAutoStop(e)
	}
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// profileWorker samples one worker: suspend, capture, append a block, resume.
// The whole sequence runs under the shared stack-walk lock so it cannot
// overlap an interrupt delivery or an on-demand walk.
func (e *Engine) profileWorker(tid int) bool {
	e.LockStackwalk()
	ctx, ok := e.SuspendWorkerAndGetState(tid)
	if !ok {
		e.UnlockStackwalk()
		return false
	}
	w := e.workerByIndex(tid)
	e.prof.appendSample(&ctx, w, e.host.Cycles())
	e.UnlockStackwalk()
	e.ResumeWorker(tid)
	return true
}

// profileAllTasks cooperatively samples every live worker in turn.
func (e *Engine) profileAllTasks() {
	for i, w := range e.m.Workers() {
		if w == nil || !w.Alive() {
			continue
		}
		if !e.prof.bufferFull() {
			e.profileWorker(i)
		}
	}
	e.prof.checkAutoStop(e)
}

// appendSample records one block: the backtrace entries (biased by one so a
// zero word can terminate the block), the four-field metadata trailer, and
// the 0,0 end marker. Caller holds the stack-walk lock.
func (p *profiler) appendSample(ctx *vm.Context, w *vm.Worker, cycles uint64) {
	t := w.Task()
	room := len(p.buf) - p.cur - trailerWords
	var tmp [vm.MaxBacktrace]uint64
	n := vm.Backtrace(tmp[:], room, ctx, w.Stack())
	for i := 0; i < n; i++ {
		p.buf[p.cur] = tmp[i] + 1
		p.cur++
	}
	p.buf[p.cur] = uint64(w.ID + 1)
	p.cur++
	p.buf[p.cur] = uint64(t.Index + 1)
	p.cur++
	p.buf[p.cur] = cycles
	p.cur++
	state := uint64(profStateAwake)
	if w.Sleeping() {
		state = profStateSleeping
	}
	p.buf[p.cur] = state
	p.cur++
	p.buf[p.cur] = 0
	p.cur++
	p.buf[p.cur] = 0
	p.cur++
	p.samples++
}

func (p *profiler) checkAutoStop(e *Engine) {
	if p.autoStop > 0 && p.samples >= p.autoStop {
		e.StopProfiler()
	}
}

// Samples decodes the accumulated profile blocks. It takes the shared
// stack-walk lock, so it must not be called from a fault handler.
func (e *Engine) Samples() []Sample {
	e.LockStackwalk()
	defer e.UnlockStackwalk()
	p := &e.prof
	var out []Sample
	i := 0
	for i < p.cur {
		j := i
		for j+1 < p.cur && !(p.buf[j] == 0 && p.buf[j+1] == 0) {
			j++
		}
		if j+1 >= p.cur {
			break
		}
		block := p.buf[i:j]
		if len(block) >= 4 {
			tr := block[len(block)-4:]
			pcs := make([]uint64, 0, len(block)-4)
			for _, v := range block[:len(block)-4] {
				pcs = append(pcs, v-1)
			}
			out = append(out, Sample{
				PCs:       pcs,
				WorkerID:  int(tr[0]) - 1,
				TaskIndex: int(tr[1]) - 1,
				Cycles:    tr[2],
				Sleeping:  tr[3] == profStateSleeping,
			})
		}
		i = j + 2
	}
	return out
}

// ResetProfileData drops all accumulated samples.
func (e *Engine) ResetProfileData() {
	e.LockStackwalk()
	e.prof.cur = 0
	e.prof.samples = 0
	e.UnlockStackwalk()
}
