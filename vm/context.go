package vm

// NumRegs is the number of general purpose guest registers.
const NumRegs = 16

// Context is a full snapshot of a worker's machine state: general registers,
// program counter and frame-stack pointer. A Context is never partially valid;
// it is either fully populated by a successful capture or absent.
type Context struct {
	Regs  [NumRegs]int64
	PC    uint32
	SP    uint32
	valid bool
}

// Valid reports whether the context was produced by a successful capture.
func (c *Context) Valid() bool { return c != nil && c.valid }

// Invalidate marks the context as absent.
func (c *Context) Invalidate() { c.valid = false }
