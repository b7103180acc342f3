package signals

import (
	"errors"
	"testing"
	"time"

	"ember/vm"
)

// waitingMain spawns a main worker parked in I/O wait so the profiler has a
// stable target, and returns a release func that lets it run to completion.
func waitingMain(t *testing.T, m *vm.Machine) (*vm.Task, *vm.Worker, func()) {
	t.Helper()
	prog := &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpCall, Imm: 2}, // 0
			{Op: vm.OpHalt},         // 1
			{Op: vm.OpWait},         // 2
			{Op: vm.OpRet},          // 3
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}, {Name: "idle", Start: 2}},
	}
	tk, w := m.Spawn(prog)
	waitCond(t, "I/O wait", tk.IOWait)
	return tk, w, func() {
		tk.SetIOWait(false)
		waitWorker(t, w)
	}
}

func TestStartProfilerTimerQueryFailure(t *testing.T) {
	_, e, log, host, _ := newTestEngine(t, Config{})
	host.capsErr = errors.New("no timer")

	if r := e.StartProfiler(false); r != StartErrTimerQuery {
		t.Fatalf("expected StartErrTimerQuery, got %v", r)
	}
	if e.prof.started {
		t.Fatal("expected no profiling thread after a timer query failure")
	}
	if e.ProfilerRunning() {
		t.Fatal("expected the profiler to stay stopped")
	}
	if !log.contains("failed to get timer resolution") {
		t.Fatal("expected the timer failure log line")
	}
	if host.begins.Load() != 0 {
		t.Fatal("expected no timer resolution change")
	}
}

func TestProfilerCollectsSamples(t *testing.T) {
	m, e, _, host, _ := newTestEngine(t, Config{ProfilePeriod: time.Millisecond})
	tk, _, release := waitingMain(t, m)
	defer release()

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	waitCond(t, "profile samples", func() bool { return len(e.Samples()) >= 3 })
	e.StopProfiler()

	if host.begins.Load() != 1 || host.ends.Load() != 1 {
		t.Fatalf("expected one begin/end pair, got %d/%d",
			host.begins.Load(), host.ends.Load())
	}
	for _, s := range e.Samples() {
		if s.WorkerID != 0 {
			t.Fatalf("expected samples of worker 0, got %d", s.WorkerID)
		}
		if s.TaskIndex != tk.Index {
			t.Fatalf("expected task index %d, got %d", tk.Index, s.TaskIndex)
		}
		if s.Cycles == 0 {
			t.Fatal("expected a nonzero cycle stamp")
		}
		if !s.Sleeping {
			t.Fatal("expected the I/O waiting worker to be marked sleeping")
		}
		if len(s.PCs) != 2 || s.PCs[0] != 3 || s.PCs[1] != 1 {
			t.Fatalf("expected pcs [3 1], got %v", s.PCs)
		}
	}
}

func TestStopProfilerIdempotent(t *testing.T) {
	m, e, _, host, _ := newTestEngine(t, Config{ProfilePeriod: time.Millisecond})
	_, _, release := waitingMain(t, m)
	defer release()

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	e.StopProfiler()
	e.StopProfiler()
	e.StopProfiler()
	if host.ends.Load() != 1 {
		t.Fatalf("expected the timer resolution restored exactly once, got %d", host.ends.Load())
	}
	if e.ProfilerRunning() {
		t.Fatal("expected the profiler stopped")
	}
}

func TestProfilerBufferFullParksThread(t *testing.T) {
	// Room for a single block only.
	m, e, _, host, _ := newTestEngine(t, Config{
		ProfilePeriod: time.Millisecond,
		ProfileBuffer: vm.MaxBacktrace + trailerWords + 2,
	})
	_, _, release := waitingMain(t, m)
	defer release()

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	waitCond(t, "profiler park", e.prof.parked.Load)
	if e.ProfilerRunning() {
		t.Fatal("expected a full buffer to stop sampling")
	}
	if got := len(e.Samples()); got != 1 {
		t.Fatalf("expected exactly one block before filling up, got %d", got)
	}
	if host.ends.Load() != 1 {
		t.Fatalf("expected the timer resolution restored on park, got %d ends", host.ends.Load())
	}

	// A later start resumes the parked thread instead of creating a new one.
	e.ResetProfileData()
	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK on restart, got %v", r)
	}
	waitCond(t, "samples after restart", func() bool { return len(e.Samples()) >= 1 })
	e.StopProfiler()
}

func TestProfilerAutoStop(t *testing.T) {
	m, e, _, _, _ := newTestEngine(t, Config{
		ProfilePeriod:   time.Millisecond,
		AutoStopSamples: 3,
	})
	_, _, release := waitingMain(t, m)
	defer release()

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	waitCond(t, "auto stop", func() bool { return !e.ProfilerRunning() })
	if got := len(e.Samples()); got < 3 {
		t.Fatalf("expected at least 3 samples before auto stop, got %d", got)
	}
}

func TestProfilerAbortsWhenMainWorkerDies(t *testing.T) {
	m, e, log, _, _ := newTestEngine(t, Config{ProfilePeriod: time.Millisecond})
	_, w := m.Spawn(&vm.Program{Code: []vm.Instruction{{Op: vm.OpHalt}}})
	waitWorker(t, w)

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	waitCond(t, "profiler abort", func() bool { return !e.ProfilerRunning() })
	if !log.contains("aborting profiling") {
		t.Fatal("expected the abort log line")
	}
	waitCond(t, "profiler thread exit", func() bool {
		e.prof.mu.Lock()
		defer e.prof.mu.Unlock()
		return !e.prof.started
	})
}

func TestProfileAllTasks(t *testing.T) {
	m, e, _, _, _ := newTestEngine(t, Config{ProfilePeriod: time.Millisecond})
	_, _, release1 := waitingMain(t, m)
	defer release1()
	_, _, release2 := waitingMain(t, m)
	defer release2()

	if r := e.StartProfiler(true); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	seen := func() map[int]bool {
		ids := map[int]bool{}
		for _, s := range e.Samples() {
			ids[s.WorkerID] = true
		}
		return ids
	}
	waitCond(t, "samples from both workers", func() bool {
		ids := seen()
		return ids[0] && ids[1]
	})
	e.StopProfiler()
}

func TestResetProfileData(t *testing.T) {
	m, e, _, _, _ := newTestEngine(t, Config{ProfilePeriod: time.Millisecond})
	_, _, release := waitingMain(t, m)
	defer release()

	if r := e.StartProfiler(false); r != StartOK {
		t.Fatalf("expected StartOK, got %v", r)
	}
	waitCond(t, "profile samples", func() bool { return len(e.Samples()) >= 1 })
	e.StopProfiler()
	e.ResetProfileData()
	if got := len(e.Samples()); got != 0 {
		t.Fatalf("expected no samples after reset, got %d", got)
	}
}
