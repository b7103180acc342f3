package signals

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ember/vm"
)

type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *testLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *testLogger) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type fakeHost struct {
	capsErr error
	caps    time.Duration

	begins atomic.Int32
	ends   atomic.Int32

	sleep time.Duration

	start time.Time
}

func newFakeHost() *fakeHost {
	return &fakeHost{caps: time.Millisecond, sleep: 200 * time.Microsecond, start: time.Now()}
}

func (h *fakeHost) TimerCaps() (time.Duration, error) {
	if h.capsErr != nil {
		return 0, h.capsErr
	}
	return h.caps, nil
}

func (h *fakeHost) BeginPeriod(d time.Duration) error {
	h.begins.Add(1)
	return nil
}

func (h *fakeHost) EndPeriod(d time.Duration) error {
	h.ends.Add(1)
	return nil
}

func (h *fakeHost) Cycles() uint64 { return uint64(time.Since(h.start)) + 1 }

func (h *fakeHost) Sleep(time.Duration) { time.Sleep(h.sleep) }

type exitRecorder struct {
	codes []int
	mu    sync.Mutex
	// goexit makes the recorded exit also terminate the calling goroutine,
	// matching the never-returns contract of the real exit.
	goexit bool
}

func (r *exitRecorder) fn() func(int) {
	return func(code int) {
		r.mu.Lock()
		r.codes = append(r.codes, code)
		r.mu.Unlock()
		if r.goexit {
			runtime.Goexit()
		}
	}
}

func (r *exitRecorder) recorded() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func newTestEngine(t *testing.T, cfg Config) (*vm.Machine, *Engine, *testLogger, *fakeHost, *exitRecorder) {
	t.Helper()
	m := vm.NewMachine(vm.Config{StackLimit: 32})
	log := &testLogger{}
	host := newFakeHost()
	e := New(m, host, log, cfg)
	rec := &exitRecorder{goexit: true}
	e.SetExitFunc(rec.fn())
	if err := e.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return m, e, log, host, rec
}

func waitWorker(t *testing.T, w *vm.Worker) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not halt")
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
