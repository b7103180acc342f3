package vm

// Frame records one guest call: the code offset to return to and the entry
// offset of the called function.
type Frame struct {
	RetPC uint32
	Fn    uint32
}

// Stack is the bounded guest frame stack. Context.SP indexes into it: SP is
// the number of live frames at the instant the context was captured.
type Stack struct {
	frames []Frame
	limit  int
}

func newStack(limit int) *Stack {
	return &Stack{frames: make([]Frame, 0, limit), limit: limit}
}

func (s *Stack) push(f Frame) bool {
	if len(s.frames) >= s.limit {
		return false
	}
	s.frames = append(s.frames, f)
	return true
}

func (s *Stack) pop() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return f, true
}

// Depth returns the number of live frames.
func (s *Stack) Depth() int { return len(s.frames) }

// truncate discards frames above n. Used when a rewritten context re-enters
// an enclosing frame.
func (s *Stack) truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.frames) {
		s.frames = s.frames[:n]
	}
}

// MaxBacktrace is the per-task backtrace buffer capacity in entries.
const MaxBacktrace = 128

// Backtrace records the program-counter chain reachable from ctx into buf,
// innermost entry first: the captured PC, then the return offset of each live
// frame from the top of the stack down. Returns the number of entries written.
//
// The walk recurses once per frame, so walking a deep guest stack needs real
// host stack headroom; stack-overflow faults must therefore run it on the
// dedicated backtrace fiber rather than on the faulting path.
func Backtrace(buf []uint64, max int, ctx *Context, st *Stack) int {
	if max <= 0 || len(buf) == 0 || !ctx.Valid() {
		return 0
	}
	if max > len(buf) {
		max = len(buf)
	}
	buf[0] = uint64(ctx.PC)
	top := int(ctx.SP) - 1
	if st != nil && top >= len(st.frames) {
		top = len(st.frames) - 1
	}
	return 1 + walkCallers(buf[1:], max-1, st, top)
}

func walkCallers(buf []uint64, max int, st *Stack, i int) int {
	if st == nil || i < 0 || max <= 0 {
		return 0
	}
	buf[0] = uint64(st.frames[i].RetPC)
	return 1 + walkCallers(buf[1:], max-1, st, i-1)
}
