package main

import "ember/vm"

// Demo guest programs, keyed by REPL name. Each exercises one delivery path:
// a caught divide fault, a stack overflow walked on the collection stack, a
// poll-heavy spin loop that a console interrupt can land in, and an I/O wait
// that an interrupt wakes.

func demoDiv0(print int) *vm.Program {
	return &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpLoadImm, A: 1, Imm: 84},        // 0
			{Op: vm.OpEnter, Imm: 7},                 // 1
			{Op: vm.OpCall, Imm: 10},                 // 2
			{Op: vm.OpLeave},                         // 3
			{Op: vm.OpMov, A: 0, B: 3},               // 4
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 5
			{Op: vm.OpHalt},                          // 6
			{Op: vm.OpLoadImm, A: 0, Imm: -1},        // 7: handler
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 8
			{Op: vm.OpHalt},                          // 9
			{Op: vm.OpDiv, A: 3, B: 1, C: 2},         // 10: r2 == 0
			{Op: vm.OpRet},                           // 11
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}, {Name: "div84", Start: 10}},
	}
}

func demoOverflow(print int) *vm.Program {
	return &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpEnter, Imm: 4},                 // 0
			{Op: vm.OpCall, Imm: 7},                  // 1
			{Op: vm.OpLeave},                         // 2
			{Op: vm.OpHalt},                          // 3
			{Op: vm.OpLoadImm, A: 0, Imm: -2},        // 4: handler
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 5
			{Op: vm.OpHalt},                          // 6
			{Op: vm.OpCall, Imm: 7},                  // 7: recurse forever
			{Op: vm.OpRet},                           // 8
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}, {Name: "spin", Start: 7}},
	}
}

func demoBusy(print int) *vm.Program {
	return &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpEnter, Imm: 6},                 // 0
			{Op: vm.OpLoadImm, A: 1, Imm: 1},         // 1
			{Op: vm.OpAdd, A: 0, B: 0, C: 1},         // 2: counter
			{Op: vm.OpPoll},                          // 3
			{Op: vm.OpJmp, Imm: 2},                   // 4
			{Op: vm.OpHalt},                          // 5
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 6: handler, dumps counter
			{Op: vm.OpHalt},                          // 7
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}, {Name: "loop", Start: 2}},
	}
}

func demoWait(print int) *vm.Program {
	return &vm.Program{
		Code: []vm.Instruction{
			{Op: vm.OpEnter, Imm: 5},                 // 0
			{Op: vm.OpWait},                          // 1
			{Op: vm.OpLeave},                         // 2
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 3
			{Op: vm.OpHalt},                          // 4
			{Op: vm.OpLoadImm, A: 0, Imm: -3},        // 5: handler
			{Op: vm.OpHost, A: 0, Imm: int64(print)}, // 6
			{Op: vm.OpHalt},                          // 7
		},
		Syms: []vm.Sym{{Name: "main", Start: 0}, {Name: "sleeper", Start: 1}},
	}
}

func demoPrograms(print int) map[string]*vm.Program {
	return map[string]*vm.Program{
		"div0":     demoDiv0(print),
		"overflow": demoOverflow(print),
		"busy":     demoBusy(print),
		"wait":     demoWait(print),
	}
}
