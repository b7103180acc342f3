package hal

import (
	"os"
	"sync"
	"time"
)

type host struct {
	start  time.Time
	mu     sync.Mutex
	raised time.Duration
}

// New returns the host platform implementation.
//
// The Go runtime already drives timers at sub-millisecond granularity, so
// BeginPeriod/EndPeriod only keep the pairing accounting; TimerCaps reports
// one millisecond, the floor the profiler clamps to anyway.
func New() Host {
	return &host{start: time.Now()}
}

func (h *host) TimerCaps() (time.Duration, error) {
	return time.Millisecond, nil
}

func (h *host) BeginPeriod(d time.Duration) error {
	if d <= 0 {
		return ErrNotImplemented
	}
	h.mu.Lock()
	h.raised = d
	h.mu.Unlock()
	return nil
}

func (h *host) EndPeriod(d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.raised != d {
		return ErrNotImplemented
	}
	h.raised = 0
	return nil
}

func (h *host) Cycles() uint64 {
	return uint64(time.Since(h.start)) + 1
}

func (h *host) Sleep(d time.Duration) {
	time.Sleep(d)
}

type stderrLogger struct {
	mu sync.Mutex
}

// NewStderrLogger returns a Logger writing to standard error.
func NewStderrLogger() Logger {
	return &stderrLogger{}
}

func (l *stderrLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	os.Stderr.WriteString(s)
	os.Stderr.WriteString("\n")
}

func (l *stderrLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	os.Stderr.Write(b)
	os.Stderr.WriteString("\n")
}
