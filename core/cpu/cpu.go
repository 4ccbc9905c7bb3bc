package cpu

import (
	"github.com/kestrelcore/gbcore/core/addr"
	"github.com/kestrelcore/gbcore/core/bit"
	"github.com/kestrelcore/gbcore/core/memory"
)

// Flag is one of the 4 possible flags used in the flag register (low byte of AF).
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// CPU holds the state of the SM83 core: its registers, interrupt state and
// the bus it executes against. Every bus access an instruction makes goes
// through read/write, which ticks the bus and PPU one M-cycle at a time as
// it happens, so a multi-M-cycle instruction's later accesses see whatever
// the PPU/OAM-DMA/timer did on its earlier ones rather than a bus frozen
// until the instruction finishes. onMCycle is wired by the sequencer that
// owns the bus/PPU; mCyclesSpent counts how many M-cycles the instruction
// currently executing has already ticked, so Step can charge the remainder
// (internal-only delay cycles with no bus access of their own) once it's done.
type CPU struct {
	bus *memory.MMU

	onMCycle        func()
	mCyclesSpent    int
	onOAMCorruption func(word uint16, kind memory.OAMCorruptionKind)

	a, b, c, d, e, h, l, f uint8
	sp, pc                 uint16

	currentOpcode uint16

	ime        bool
	imePending int // counts down to 0; EI arms IME after the instruction following it

	halted  bool
	haltBug bool
	stopped bool
}

// New returns a CPU wired to bus, with registers in their post-boot-ROM
// state (used when no boot ROM image is supplied).
func New(bus *memory.MMU) *CPU {
	c := &CPU{bus: bus}
	c.a = 0x01
	c.f = 0xB0
	c.b, c.c = 0x00, 0x13
	c.d, c.e = 0x00, 0xD8
	c.h, c.l = 0x01, 0x4D
	c.sp = 0xFFFE
	c.pc = 0x0100
	return c
}

// SetMCycleFunc wires the callback Step invokes once per M-cycle as an
// instruction executes (the sequencer's job is to tick the bus/PPU by the
// right number of T-cycles there - 4 at normal speed, 2 in CGB double speed).
func (c *CPU) SetMCycleFunc(fn func()) {
	c.onMCycle = fn
}

// read performs a bus read as part of the instruction currently executing
// and charges it as one M-cycle.
func (c *CPU) read(address uint16) uint8 {
	value := c.bus.Read(address)
	c.tickMCycle()
	return value
}

// write performs a bus write as part of the instruction currently executing
// and charges it as one M-cycle.
func (c *CPU) write(address uint16, value uint8) {
	c.bus.Write(address, value)
	c.tickMCycle()
}

// SetOAMCorruptionFunc wires the callback that reproduces the DMG's OAM-scan
// bus-conflict bug (§4.2): the sequencer consults the PPU's current OAM scan
// row and, if the glitch window is open, applies the corruption formula for
// kind to the address word would have accessed.
func (c *CPU) SetOAMCorruptionFunc(fn func(word uint16, kind memory.OAMCorruptionKind)) {
	c.onOAMCorruption = fn
}

// corruptOAM reports a 16-bit register access to the OAM-corruption hook,
// called by opcodes that touch BC/DE/HL/SP while OAM might be mid-scan.
func (c *CPU) corruptOAM(word uint16, kind memory.OAMCorruptionKind) {
	if c.onOAMCorruption != nil {
		c.onOAMCorruption(word, kind)
	}
}

func (c *CPU) tickMCycle() {
	c.mCyclesSpent++
	if c.onMCycle != nil {
		c.onMCycle()
	}
}

// spendRemainingMCycles charges whatever M-cycles of totalTCycles weren't
// already ticked by a read/write during execution - the instruction's
// internal-only cycles (register shuffles, ALU, branch-taken delays) that
// never touch the bus but still cost real time.
func (c *CPU) spendRemainingMCycles(totalTCycles int) {
	for c.mCyclesSpent < totalTCycles/4 {
		c.tickMCycle()
	}
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

// flagToBit returns 1 if flag is set, 0 otherwise - used by the rotate
// helpers to fold the carry flag into a shifted-in bit.
func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

// PC returns the program counter, exposed for debug logging and save states.
func (c *CPU) PC() uint16 { return c.pc }

// Stopped reports whether the CPU has locked up, either from an illegal
// opcode or a STOP that did not arm a CGB speed switch. The host uses this
// to surface a status flag per spec.md §7.
func (c *CPU) Stopped() bool { return c.stopped }

// State is the part of CPU round-tripped by SaveState/LoadState.
type State struct {
	A, B, C, D, E, H, L, F uint8
	SP, PC                 uint16
	IME                    bool
	IMEPending             int
	Halted, HaltBug, Stopped bool
}

// State snapshots the CPU's registers and interrupt-latency state.
func (c *CPU) State() State {
	return State{
		A: c.a, B: c.b, C: c.c, D: c.d, E: c.e, H: c.h, L: c.l, F: c.f,
		SP: c.sp, PC: c.pc,
		IME: c.ime, IMEPending: c.imePending,
		Halted: c.halted, HaltBug: c.haltBug, Stopped: c.stopped,
	}
}

// SetState restores a previously captured State.
func (c *CPU) SetState(s State) {
	c.a, c.b, c.c, c.d, c.e, c.h, c.l, c.f = s.A, s.B, s.C, s.D, s.E, s.H, s.L, s.F
	c.sp, c.pc = s.SP, s.PC
	c.ime, c.imePending = s.IME, s.IMEPending
	c.halted, c.haltBug, c.stopped = s.Halted, s.HaltBug, s.Stopped
}

func (c *CPU) getBC() uint16 { return bit.Combine(c.b, c.c) }
func (c *CPU) getDE() uint16 { return bit.Combine(c.d, c.e) }
func (c *CPU) getHL() uint16 { return bit.Combine(c.h, c.l) }

func (c *CPU) setBC(value uint16) { c.b, c.c = bit.High(value), bit.Low(value) }
func (c *CPU) setDE(value uint16) { c.d, c.e = bit.High(value), bit.Low(value) }
func (c *CPU) setHL(value uint16) { c.h, c.l = bit.High(value), bit.Low(value) }

// getAF/setAF expose the flags byte masked to its 4 meaningful high bits,
// matching how PUSH AF / POP AF see the register on real hardware.
func (c *CPU) getAF() uint16 {
	return bit.Combine(c.a, c.f&0xF0)
}

func (c *CPU) setAF(value uint16) {
	c.a = bit.High(value)
	c.f = bit.Low(value) & 0xF0
}

// readImmediate fetches the byte at PC and advances PC past it.
func (c *CPU) readImmediate() uint8 {
	value := c.read(c.pc)
	c.pc++
	return value
}

// readImmediateWord fetches the little-endian word at PC and advances PC
// past both bytes.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return bit.Combine(high, low)
}

// readSignedImmediate fetches the byte at PC as a signed displacement,
// used by ADD SP,n and LDHL SP,n.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// Step executes a single instruction (or services a halted/stopped state)
// and returns the number of T-cycles it consumed. Unlike a design that
// computes an instruction atomically and only afterward ticks the bus that
// many times, Step ticks the bus/PPU itself, one M-cycle at a time, as each
// opcode's own reads and writes happen via read/write below; any cycles an
// opcode doesn't spend on the bus (internal-only delays) are charged as a
// single batch at the end via spendRemainingMCycles, once the declared total
// is known.
func (c *CPU) Step() int {
	c.mCyclesSpent = 0

	if c.imePending > 0 {
		c.imePending--
		if c.imePending == 0 {
			c.ime = true
		}
	}

	if cycles, serviced := c.serviceInterrupts(); serviced {
		c.spendRemainingMCycles(cycles)
		return cycles
	}

	if c.stopped {
		c.spendRemainingMCycles(4)
		return 4
	}

	if c.halted {
		c.spendRemainingMCycles(4)
		return 4
	}

	// The HALT bug replays the byte following HALT without advancing PC, so
	// the same opcode is fetched twice; it's still a genuine fetch M-cycle.
	opcode := c.read(c.pc)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.pc++
	}

	total := c.execute(opcode)
	c.spendRemainingMCycles(total)
	return total
}

func (c *CPU) execute(opcode uint8) int {
	c.currentOpcode = uint16(opcode)
	if opcode == 0xCB {
		cb := c.readImmediate()
		c.currentOpcode = 0xCB00 | uint16(cb)
	}
	return decode(c.currentOpcode)(c)
}

// pendingInterrupts returns the set of interrupt bits that are both
// requested (IF) and enabled (IE).
func (c *CPU) pendingInterrupts() uint8 {
	return c.bus.Read(addr.IF) & c.bus.Read(addr.IE) & 0x1F
}

// serviceInterrupts wakes a halted CPU on any pending interrupt and, when
// IME is set, dispatches the highest-priority one. It reports whether it
// consumed the Step call by dispatching to a handler.
func (c *CPU) serviceInterrupts() (int, bool) {
	pending := c.pendingInterrupts()

	if pending != 0 {
		c.halted = false
		c.stopped = false
	}

	if !c.ime || pending == 0 {
		return 0, false
	}

	var bitIndex uint8
	var vector uint16
	switch {
	case pending&0x01 != 0:
		bitIndex, vector = 0, 0x0040
	case pending&0x02 != 0:
		bitIndex, vector = 1, 0x0048
	case pending&0x04 != 0:
		bitIndex, vector = 2, 0x0050
	case pending&0x08 != 0:
		bitIndex, vector = 3, 0x0058
	case pending&0x10 != 0:
		bitIndex, vector = 4, 0x0060
	default:
		return 0, false
	}

	c.ime = false
	iFlags := c.bus.Read(addr.IF)
	c.bus.Write(addr.IF, iFlags&^(1<<bitIndex))

	c.pushStack(c.pc)
	c.pc = vector

	return 20, true
}
