package signals

import (
	"testing"

	"ember/vm"
)

func TestIllegalInstructionTerminates(t *testing.T) {
	m, e, log, _, rec := newTestEngine(t, Config{})
	criticals := 0
	e.SetCriticalFunc(func(w *vm.Worker, tk *vm.Task, f *vm.Fault) {
		criticals++
	})
	prog := &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.Op(0xff)},
			{Op: vm.OpHalt},
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}},
	}
	_, w := m.Spawn(prog)
	waitWorker(t, w)

	if !log.contains("invalid instruction") {
		t.Fatal("expected the invalid instruction line")
	}
	if !log.contains("Unhandled fault: FAULT_ILLEGAL_INSTRUCTION") {
		t.Fatal("expected the unhandled fault report")
	}
	if !log.contains("-- main") {
		t.Fatal("expected the decoded fault location")
	}
	if criticals != 1 {
		t.Fatalf("expected one critical collaborator call, got %d", criticals)
	}
	codes := rec.recorded()
	if len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("expected exit 1, got %v", codes)
	}
}

func TestReportFaultRecursionGuard(t *testing.T) {
	m, e, log, _, rec := newTestEngine(t, Config{})
	rec.goexit = false
	criticals := 0
	e.SetCriticalFunc(func(w *vm.Worker, tk *vm.Task, f *vm.Fault) {
		criticals++
	})
	_, w := m.Spawn(&vm.Program{Code: []vm.Instruction{{Op: vm.OpWait}, {Op: vm.OpHalt}}})
	tk := w.Task()
	waitCond(t, "I/O wait", tk.IOWait)

	f := &vm.Fault{Kind: vm.FaultIllegal, PC: 0}
	e.reportFault(w, tk, f)
	e.reportFault(w, tk, f)

	if criticals != 1 {
		t.Fatalf("expected the collaborator to run once, got %d", criticals)
	}
	codes := rec.recorded()
	if len(codes) != 2 || codes[0] != 1 || codes[1] != 1 {
		t.Fatalf("expected two exit(1) calls, got %v", codes)
	}
	if !log.contains("Unhandled fault") {
		t.Fatal("expected exactly the first entry to report")
	}
	tk.SetIOWait(false)
	waitWorker(t, w)
}

func TestUnhandledProtectionReadTerminates(t *testing.T) {
	m, e, log, _, rec := newTestEngine(t, Config{})
	e.SetCriticalFunc(func(*vm.Worker, *vm.Task, *vm.Fault) {})
	prog := &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpEnter, Imm: 3},
			{Op: vm.OpLoad, A: 0, Imm: 9999}, // read faults are not catchable
			{Op: vm.OpHalt},
			{Op: vm.OpHalt},
		},
	}
	_, w := m.Spawn(prog)
	waitWorker(t, w)

	if !log.contains("Unhandled fault: FAULT_ACCESS_VIOLATION") {
		t.Fatal("expected the protection fault report")
	}
	codes := rec.recorded()
	if len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("expected exit 1, got %v", codes)
	}
}

func TestReadOnlyWriteBecomesException(t *testing.T) {
	m, _, _, _, _ := newTestEngine(t, Config{})
	caught := make(chan struct{}, 1)
	idx := m.RegisterHost(func(hc *vm.HostContext) int64 {
		caught <- struct{}{}
		return 0
	})
	prog := &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpEnter, Imm: 4},              // 0
			{Op: vm.OpStore, A: 0, Imm: 1},        // 1: write into read-only data
			{Op: vm.OpLeave},                      // 2
			{Op: vm.OpHalt},                       // 3
			{Op: vm.OpHost, Imm: int64(idx)},      // 4: handler
			{Op: vm.OpHalt},                       // 5
		},
		Data:   []int64{7},
		ROData: []int64{13},
	}
	tk, w := m.Spawn(prog)
	waitWorker(t, w)

	select {
	case <-caught:
	default:
		t.Fatal("expected execution to resume in the handler block")
	}
	if exc := tk.PendingException(); exc == nil || exc.Kind != vm.ExcReadOnlyMemory {
		t.Fatalf("expected pending ReadOnlyMemoryError, got %v", exc)
	}
}

func TestFaultDuringGCWaitNotDelivered(t *testing.T) {
	m, e, log, _, rec := newTestEngine(t, Config{})
	rec.goexit = false
	e.SetCriticalFunc(func(*vm.Worker, *vm.Task, *vm.Fault) {})
	_, w := m.Spawn(&vm.Program{Code: []vm.Instruction{{Op: vm.OpHalt}}})
	waitWorker(t, w)

	// A handler chain does not make the fault deliverable while the task is
	// parked for a collection.
	tk := &vm.Task{}
	tk.SetGCState(vm.GCWaiting)
	tk.PushHandler(vm.Context{})
	f := &vm.Fault{Kind: vm.FaultDivide}

	if d := e.handleFault(w, tk, f); d != vm.Halt {
		t.Fatalf("expected a fault during GC wait to halt, got %v", d)
	}
	if tk.PendingException() != nil {
		t.Fatal("expected no exception delivery during GC wait")
	}
	if !log.contains("Unhandled fault") {
		t.Fatal("expected the unhandled fault report")
	}
	if codes := rec.recorded(); len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("expected exit 1, got %v", codes)
	}
}

func TestDefaultCriticalDumpsBacktrace(t *testing.T) {
	m, e, log, _, rec := newTestEngine(t, Config{})
	rec.goexit = false
	_, w := m.Spawn(&vm.Program{
		Code: []vm.Instruction{{Op: vm.OpWait}, {Op: vm.OpHalt}},
		Syms: []vm.Sym{{Name: "main", Start: 0}},
	})
	tk := w.Task()
	waitCond(t, "I/O wait", tk.IOWait)
	if !w.Suspend() {
		t.Fatal("expected Suspend to succeed")
	}
	ctx, ok := w.ReadContext()
	if !ok {
		t.Fatal("expected ReadContext to succeed")
	}
	f := &vm.Fault{Kind: vm.FaultIllegal, PC: ctx.PC, Context: ctx}
	e.reportFault(w, tk, f)

	if tk.BacktraceLen() == 0 {
		t.Fatal("expected the default collaborator to record a backtrace")
	}
	if !log.contains("main+1") {
		t.Fatal("expected decoded backtrace lines")
	}
	if !w.Resume() {
		t.Fatal("expected Resume to succeed")
	}
	tk.SetIOWait(false)
	waitWorker(t, w)
}
