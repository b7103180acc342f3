package vm

import "fmt"

// Op identifies a guest instruction.
type Op uint8

const (
	OpNop Op = iota
	OpHalt
	OpLoadImm // A <- Imm
	OpMov     // A <- B
	OpAdd     // A <- B + C
	OpSub     // A <- B - C
	OpDiv     // A <- B / C; C == 0 raises a divide fault
	OpLoad    // A <- data[B + Imm]
	OpStore   // data[B + Imm] <- A
	OpJmp     // PC <- Imm
	OpJnz     // if A != 0: PC <- Imm
	OpCall    // push return frame, PC <- Imm
	OpRet     // pop return frame
	OpEnter   // push a handler frame resuming at Imm
	OpLeave   // pop the innermost handler frame
	OpPoll    // safepoint poll
	OpWait    // block in I/O wait until woken
	OpHost    // A <- hostFns[Imm](...)
)

func (op Op) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpHalt:
		return "halt"
	case OpLoadImm:
		return "loadi"
	case OpMov:
		return "mov"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpDiv:
		return "div"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpJmp:
		return "jmp"
	case OpJnz:
		return "jnz"
	case OpCall:
		return "call"
	case OpRet:
		return "ret"
	case OpEnter:
		return "enter"
	case OpLeave:
		return "leave"
	case OpPoll:
		return "poll"
	case OpWait:
		return "wait"
	case OpHost:
		return "host"
	default:
		return "unknown"
	}
}

// Instruction is one decoded guest operation.
type Instruction struct {
	Op      Op
	A, B, C uint8
	Imm     int64
}

// Sym maps a code offset to a function name for diagnostics.
type Sym struct {
	Name  string
	Start uint32
}

// Program is an executable guest image: code, an initial writable data
// segment, a read-only data segment mapped above it, and a symbol table.
type Program struct {
	Code   []Instruction
	Data   []int64
	ROData []int64
	Syms   []Sym
}

// Locate resolves a code offset to a "name+offset" string using the symbol
// table, falling back to the raw offset.
func (p *Program) Locate(pc uint32) string {
	var best *Sym
	for i := range p.Syms {
		s := &p.Syms[i]
		if s.Start <= pc && (best == nil || s.Start > best.Start) {
			best = s
		}
	}
	if best == nil {
		return fmt.Sprintf("pc %#x", pc)
	}
	if pc == best.Start {
		return best.Name
	}
	return fmt.Sprintf("%s+%d", best.Name, pc-best.Start)
}
