// Package core wires the CPU, bus and PPU into a single system sequencer:
// the Machine. It is the one package that owns wall-clock-free emulated
// time, stepping every peripheral in lockstep with the CPU.
package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kestrelcore/gbcore/core/addr"
	"github.com/kestrelcore/gbcore/core/cpu"
	"github.com/kestrelcore/gbcore/core/memory"
	"github.com/kestrelcore/gbcore/core/video"
)

// saveStateVersion is bumped whenever the shape of gobState changes in a
// way that would misread an older blob.
const saveStateVersion = 2

// cyclesPerFrame is the nominal T-cycle count of one 59.7Hz DMG frame
// (154 scanlines * 456 cycles); StepFrame uses it only as a safety bound in
// case LY somehow never reaches the VBlank line (e.g. LCD disabled).
const cyclesPerFrame = 70224

// ModeHint selects which console personality Construct should emulate, or
// asks it to detect one from the cartridge header.
type ModeHint uint8

const (
	ModeAuto ModeHint = iota
	ModeDMG
	ModeCGB
)

// Button names one of the eight physical inputs.
type Button = memory.JoypadKey

const (
	ButtonRight  = memory.JoypadRight
	ButtonLeft   = memory.JoypadLeft
	ButtonUp     = memory.JoypadUp
	ButtonDown   = memory.JoypadDown
	ButtonA      = memory.JoypadA
	ButtonB      = memory.JoypadB
	ButtonSelect = memory.JoypadSelect
	ButtonStart  = memory.JoypadStart
)

// DebuggerState represents the current debugger mode.
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// CorruptStateError is returned by LoadState when the blob is truncated or
// carries a version this build does not understand.
type CorruptStateError struct {
	Reason string
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("core: corrupt save state: %s", e.Reason)
}

// Machine is the root of the emulator: CPU, bus and PPU stepped together by
// StepTCycle/StepFrame. It has no notion of wall-clock time or host I/O;
// callers decide how often to call StepFrame and what to do with the
// resulting framebuffer/samples.
type Machine struct {
	cpu *cpu.CPU
	gpu *video.GPU
	bus *memory.MMU

	useRealRtc bool

	prevLY byte

	// Debugger state
	debuggerMutex    sync.RWMutex
	debuggerState    DebuggerState
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64
}

// Construct builds a Machine from a ROM image, an optional boot ROM image,
// a console mode hint, and audio resampling parameters, per spec.md §6.
// romImage must be large enough to contain a cartridge header; a short
// image is a load error. When bootImage is empty the Machine starts with the
// CPU registers and the DIV seed in their post-boot-ROM state and
// immediately begins cartridge execution at 0x0100; other IO registers
// (LCDC, palettes and the like) are not seeded and start at 0. When
// bootImage is given, execution starts at 0x0000 inside the boot image.
func Construct(romImage []byte, bootImage []byte, modeHint ModeHint, useRealRtc bool, sampleRate uint32) (*Machine, error) {
	cart, err := memory.NewCartridgeWithData(romImage)
	if err != nil {
		return nil, fmt.Errorf("core: Construct: %w", err)
	}

	bus := memory.NewWithCartridge(cart)

	switch modeHint {
	case ModeDMG:
		bus.SetMode(memory.ModeDMG)
	case ModeCGB:
		bus.SetMode(memory.ModeCGB)
	case ModeAuto:
		if cart.IsCGB() {
			bus.SetMode(memory.ModeCGB)
		} else {
			bus.SetMode(memory.ModeDMG)
		}
	}

	if sampleRate > 0 {
		bus.APU.SetSampleRate(int(sampleRate))
	}

	if len(bootImage) > 0 {
		bus.SetBootROM(bootImage)
	} else {
		bus.SetTimerSeed(0xABCC)
	}

	gpu := video.NewGpu(bus)
	m := &Machine{
		cpu:        cpu.New(bus),
		gpu:        gpu,
		bus:        bus,
		useRealRtc: useRealRtc,
		prevLY:     0xFF,
	}
	if len(bootImage) > 0 {
		// The boot ROM runs from reset with every register cleared and
		// hands over to the cartridge at 0x0100 itself.
		m.cpu.SetState(cpu.State{})
	}
	m.cpu.SetMCycleFunc(func() {
		n := 4
		if bus.IsDoubleSpeed() {
			n = 2
		}
		for i := 0; i < n; i++ {
			bus.Tick()
			gpu.Tick(1)
		}
	})
	bus.HDMAStallFunc = func(tcycles int) {
		for i := 0; i < tcycles; i++ {
			bus.Tick()
			gpu.Tick(1)
		}
	}
	m.cpu.SetOAMCorruptionFunc(func(word uint16, kind memory.OAMCorruptionKind) {
		row, ok := gpu.OAMScanRow()
		if !ok {
			return
		}
		bus.CorruptOAM(word, kind, row)
	})

	slog.Debug("Machine constructed", "title", cart.Title(), "cgb", cart.IsCGB(), "rom_bytes", len(romImage))

	return m, nil
}

// StepTCycle advances the machine by one CPU instruction (or one idle tick
// of a halted/stopped CPU, or one interrupt dispatch). The bus and PPU are
// not ticked in bulk afterward: the CPU ticks them itself, one M-cycle at a
// time, as each of the instruction's own bus reads/writes happen, via the
// callback wired in Construct - so code running mid-instruction genuinely
// observes PPU/OAM-DMA/timer state changing between that instruction's own
// M-cycles, rather than a bus frozen until the whole instruction is "paid for."
func (m *Machine) StepTCycle() {
	m.cpu.Step()
	m.instructionCount++
}

// StepFrame advances the machine until the PPU's LY register transitions
// into the VBlank line (144), i.e. exactly one frame's worth of emulated
// time, then returns.
func (m *Machine) StepFrame() {
	total := 0
	for total < cyclesPerFrame*2 {
		m.StepTCycle()
		total++

		ly := m.bus.Read(addr.LY)
		if ly == 144 && m.prevLY != 144 {
			m.prevLY = ly
			m.frameCount++
			if m.frameCount%60 == 0 {
				slog.Debug("Frame completed", "frame", m.frameCount, "pc", fmt.Sprintf("0x%04X", m.cpu.PC()))
			}
			return
		}
		m.prevLY = ly
	}
}

// RunUntilFrame advances by one frame, honoring the debugger's pause/step
// modes. It is the entry point a host render loop calls once per host
// frame.
func (m *Machine) RunUntilFrame() {
	m.debuggerMutex.RLock()
	state := m.debuggerState
	m.debuggerMutex.RUnlock()

	switch state {
	case DebuggerPaused:
		return

	case DebuggerStep:
		m.debuggerMutex.Lock()
		requested := m.stepRequested
		m.stepRequested = false
		m.debuggerMutex.Unlock()
		if !requested {
			return
		}
		oldPC := m.cpu.PC()
		m.StepTCycle()
		slog.Debug("Step executed", "pc", fmt.Sprintf("0x%04X", oldPC), "new_pc", fmt.Sprintf("0x%04X", m.cpu.PC()))
		m.SetDebuggerState(DebuggerPaused)

	case DebuggerStepFrame:
		m.debuggerMutex.Lock()
		requested := m.frameRequested
		m.frameRequested = false
		m.debuggerMutex.Unlock()
		if !requested {
			return
		}
		m.StepFrame()
		slog.Debug("Frame step completed", "frame", m.frameCount, "instructions", m.instructionCount)
		m.SetDebuggerState(DebuggerPaused)

	default:
		m.StepFrame()
	}
}

// FramebufferView returns the 160x144 RGBA8 pixel grid the PPU last drew.
// The returned slice aliases the Machine's internal buffer and is only
// valid until the next StepFrame/StepTCycle call.
func (m *Machine) FramebufferView() []uint32 {
	return m.gpu.GetFrameBuffer().ToSlice()
}

// PopSample pops one resampled stereo sample off the APU's output queue. ok
// is false once the queue has drained for this tick interval.
func (m *Machine) PopSample() (left, right int16, ok bool) {
	samples := m.bus.APU.GetSamples(1)
	if len(samples) < 2 {
		return 0, 0, false
	}
	return samples[0], samples[1], true
}

// SetButton reports a host input transition to the joypad matrix.
func (m *Machine) SetButton(button Button, pressed bool) {
	if pressed {
		m.bus.HandleKeyPress(button)
	} else {
		m.bus.HandleKeyRelease(button)
	}
}

// Stopped reports whether the CPU has locked up (illegal opcode, or a STOP
// with no speed switch armed), per spec.md §7's host status flag.
func (m *Machine) Stopped() bool {
	return m.cpu.Stopped()
}

// RequestSaveRam returns the cartridge's external RAM contents for the host
// to persist, or nil if the cartridge has none. Write failures are the
// host's concern; spec.md §7 treats them as a non-fatal IoError, so this
// call itself cannot fail — emulation continues against the in-memory copy
// regardless of whether the host's write succeeds.
func (m *Machine) RequestSaveRam() []byte {
	return m.bus.SaveBatteryRAM()
}

// gobState is the on-disk shape of a save state. Bumping saveStateVersion
// whenever a field is added/removed/retyped keeps old blobs from being
// silently misread.
type gobState struct {
	Version int
	CPU     cpu.State
	GPU     video.State
	Bus     memory.MMUState
	PrevLY  byte
}

// SaveState encodes the full observable machine state (registers, IF/IE,
// memory, timer, APU, PPU, cartridge banking, RTC) to w. ROM contents are
// not included; LoadState assumes the same ROM is still loaded. unixNow is
// stamped into any RTC snapshot so a later LoadState with useRealRtc can
// fast-forward missed wall-clock time.
func (m *Machine) SaveState(w io.Writer, unixNow int64) error {
	state := gobState{
		Version: saveStateVersion,
		CPU:     m.cpu.State(),
		GPU:     m.gpu.State(),
		Bus:     m.bus.State(unixNow),
		PrevLY:  m.prevLY,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("core: SaveState: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("core: SaveState: %w", err)
	}
	return nil
}

// LoadState decodes a blob written by SaveState and restores it onto the
// Machine. On any error the Machine is left exactly as it was before the
// call, and a *CorruptStateError is returned for a bad version or a
// truncated blob, per spec.md §7.
func (m *Machine) LoadState(r io.Reader, unixNow int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("core: LoadState: %w", err)
	}

	var state gobState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return &CorruptStateError{Reason: err.Error()}
	}
	if state.Version != saveStateVersion {
		return &CorruptStateError{Reason: fmt.Sprintf("version %d, want %d", state.Version, saveStateVersion)}
	}

	m.cpu.SetState(state.CPU)
	m.gpu.SetState(state.GPU)
	m.bus.SetState(state.Bus, unixNow, m.useRealRtc)
	m.prevLY = state.PrevLY

	return nil
}

func (m *Machine) GetCurrentFrame() *video.FrameBuffer {
	return m.gpu.GetFrameBuffer()
}

func (m *Machine) HandleKeyPress(key memory.JoypadKey) {
	m.bus.HandleKeyPress(key)
}

func (m *Machine) HandleKeyRelease(key memory.JoypadKey) {
	m.bus.HandleKeyRelease(key)
}

func (m *Machine) GetCPU() *cpu.CPU {
	return m.cpu
}

func (m *Machine) GetMMU() *memory.MMU {
	return m.bus
}

// Debugger control methods.

func (m *Machine) SetDebuggerState(state DebuggerState) {
	m.debuggerMutex.Lock()
	defer m.debuggerMutex.Unlock()
	m.debuggerState = state
	slog.Debug("Debugger state changed", "state", state)
}

func (m *Machine) GetDebuggerState() DebuggerState {
	m.debuggerMutex.RLock()
	defer m.debuggerMutex.RUnlock()
	return m.debuggerState
}

func (m *Machine) DebuggerPause() {
	m.SetDebuggerState(DebuggerPaused)
	slog.Info("Emulator paused")
}

func (m *Machine) DebuggerResume() {
	m.SetDebuggerState(DebuggerRunning)
	slog.Info("Emulator resumed")
}

func (m *Machine) DebuggerStepInstruction() {
	m.debuggerMutex.Lock()
	defer m.debuggerMutex.Unlock()
	m.stepRequested = true
	m.debuggerState = DebuggerStep
	slog.Info("Step instruction requested")
}

func (m *Machine) DebuggerStepFrame() {
	m.debuggerMutex.Lock()
	defer m.debuggerMutex.Unlock()
	m.frameRequested = true
	m.debuggerState = DebuggerStepFrame
	slog.Info("Step frame requested")
}

func (m *Machine) GetInstructionCount() uint64 {
	return m.instructionCount
}

func (m *Machine) GetFrameCount() uint64 {
	return m.frameCount
}
