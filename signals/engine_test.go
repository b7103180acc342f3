package signals

import (
	"testing"

	"ember/vm"
)

func TestInstallIdempotent(t *testing.T) {
	_, e, _, _, _ := newTestEngine(t, Config{})
	if err := e.Install(); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	e.Uninstall()
	e.Uninstall()
	if err := e.Install(); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
}

func TestInstallRejectsForeignHandler(t *testing.T) {
	m := vm.NewMachine(vm.Config{})
	if err := m.SetFaultHandler(func(*vm.Worker, *vm.Task, *vm.Fault) vm.Disposition {
		return vm.Halt
	}); err != nil {
		t.Fatalf("SetFaultHandler: %v", err)
	}
	e := New(m, newFakeHost(), &testLogger{}, Config{})
	if err := e.Install(); err == nil {
		t.Fatal("expected Install to fail with a foreign handler present")
	}
}

func TestSuspendWorkerAndGetState(t *testing.T) {
	m, e, _, _, _ := newTestEngine(t, Config{})
	prog := &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpWait},
			{Op: vm.OpHalt},
		},
	}
	tk, w := m.Spawn(prog)
	waitCond(t, "I/O wait", tk.IOWait)

	e.LockStackwalk()
	ctx, ok := e.SuspendWorkerAndGetState(0)
	e.UnlockStackwalk()
	if !ok {
		t.Fatal("expected a successful capture")
	}
	if ctx.PC != 1 {
		t.Fatalf("expected the captured pc after the wait, got %d", ctx.PC)
	}
	e.ResumeWorker(0)

	tk.SetIOWait(false)
	waitWorker(t, w)

	if _, ok := e.SuspendWorkerAndGetState(0); ok {
		t.Fatal("expected capture of a halted worker to fail")
	}
	if _, ok := e.SuspendWorkerAndGetState(7); ok {
		t.Fatal("expected capture of an unknown worker to fail")
	}
}

func TestSafepointForceEscalation(t *testing.T) {
	var s Safepoint
	s.EnableSigint()
	s.RaiseSigint()
	if s.CheckForceSigint() {
		t.Fatal("expected no escalation on the first raise")
	}
	s.RaiseSigint()
	if !s.CheckForceSigint() {
		t.Fatal("expected the second raise to escalate")
	}
	if !s.ConsumeSigint() {
		t.Fatal("expected the pending interrupt to be consumable")
	}
	if s.ConsumeSigint() {
		t.Fatal("expected a single consumable interrupt")
	}
	s.ClearForceSigint()
	if s.CheckForceSigint() {
		t.Fatal("expected the force flag cleared")
	}
}

func TestSafepointDisarmed(t *testing.T) {
	var s Safepoint
	s.RaiseSigint()
	if s.SigintPending() {
		t.Fatal("expected no pending report while disarmed")
	}
	if s.ConsumeSigint() {
		t.Fatal("expected no consumption while disarmed")
	}
	s.EnableSigint()
	if !s.SigintPending() {
		t.Fatal("expected the raise to survive arming")
	}
	s.DisableSigint()
	if s.SigintPending() {
		t.Fatal("expected disarming to mask the pending interrupt")
	}
}
