package memory

import (
	"fmt"
	"log/slog"

	"github.com/kestrelcore/gbcore/core/addr"
	"github.com/kestrelcore/gbcore/core/audio"
	"github.com/kestrelcore/gbcore/core/bit"
	"github.com/kestrelcore/gbcore/core/serial"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// JoypadKey represents a key on the Gameboy joypad
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// Mode tells the bus which console personality it is emulating, since CGB
// register windows (VRAM/WRAM banking, HDMA, palette RAM) only decode when
// running in color mode.
type Mode uint8

const (
	ModeDMG Mode = iota
	ModeCGB
)

// oamDMA models the OAM-DMA engine's own timing: a 4-T-cycle startup delay
// during which OAM is still CPU-accessible, then one byte copied every 4
// T-cycles. A 0xFF46 write that lands while a transfer is active and past
// its own startup window doesn't stomp the source immediately; it arms a
// restart that takes over only once its own startup delay elapses, aborting
// whatever the in-flight transfer had left.
type oamDMA struct {
	Active           bool
	SourceHigh       uint16
	StartupRemaining int // T-cycles left before bytes start landing; OAM stays readable while > 0
	CycleInTransfer  int // 0..639, byte index = CycleInTransfer/4; only advances once StartupRemaining hits 0

	RestartPending    bool
	RestartSourceHigh uint16
	RestartRemaining  int // T-cycles left until RestartSourceHigh takes over
}

// oamDMAStartupCycles is the fixed delay before an armed OAM-DMA transfer
// starts copying bytes (and the delay a restart waits before taking over).
const oamDMAStartupCycles = 4

// hdma models the CGB general-purpose / HBlank-gated VRAM DMA engine.
type hdma struct {
	Source     uint16
	Dest       uint16
	Length     uint16 // remaining bytes
	Active     bool
	HblankMode bool
}

// hdmaBlockCycles is the number of T-cycles one 0x10-byte HDMA block stalls
// the CPU for: 8 at normal speed, 16 in CGB double speed (spec.md §4.4).
func (m *MMU) hdmaBlockCycles() int {
	if m.IsDoubleSpeed() {
		return 16
	}
	return 8
}

// MMU allows access to all memory mapped I/O and data/registers
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	regionMap [256]memRegion

	mode Mode

	joypadButtons uint8 // Actual state of buttons A/B/Start/Select, mapped to low bits of P1
	joypadDpad    uint8 // Actual state of d-pad directions, mapped to low bits of P1

	serial SerialPort
	timer  Timer

	dma  oamDMA
	hdma hdma

	// CGB-only banked memory. vram holds both banks back-to-back
	// (bank*0x2000 + offset); wram holds banks 1-7 (bank 0 lives in the
	// low 0x1000 of the regular WRAM window, always mapped at 0xC000).
	vramBanks [2][0x2000]byte
	vramBank  uint8
	wramBanks [8][0x1000]byte
	wramBank  uint8

	bootROM        []byte
	bootROMEnabled bool

	key1 uint8 // double-speed prep register

	bgPalette  cgbPaletteRAM
	objPalette cgbPaletteRAM
	opri       uint8

	// BootROMDisabledHook fires exactly once, the instant 0xFF50 is written.
	BootROMDisabledHook func()

	// HDMAStallFunc is invoked with the T-cycle cost of one general-purpose
	// HDMA block as it's copied, letting the system sequencer advance the
	// PPU/timer/APU for the duration the CPU is stalled off the bus. Wired
	// by the sequencer alongside the CPU's own per-M-cycle ticker.
	HDMAStallFunc func(tcycles int)
}

// cgbPaletteRAM models BGPI/BGPD (or OBPI/OBPD): 64 bytes (8 palettes * 4
// colors * 2 bytes), addressed through an index port with optional
// auto-increment.
type cgbPaletteRAM struct {
	Data  [64]byte
	Index uint8
	Auto  bool
}

func (p *cgbPaletteRAM) readIndex() byte {
	v := p.Index & 0x3F
	if p.Auto {
		v |= 0x80
	}
	return v
}

func (p *cgbPaletteRAM) writeIndex(value byte) {
	p.Index = value & 0x3F
	p.Auto = value&0x80 != 0
}

func (p *cgbPaletteRAM) readData() byte {
	return p.Data[p.Index]
}

func (p *cgbPaletteRAM) writeData(value byte, ppuBusy bool) {
	if ppuBusy {
		return
	}
	p.Data[p.Index] = value
	if p.Auto {
		p.Index = (p.Index + 1) & 0x3F
	}
}

// New creates a new memory unit with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory:        make([]byte, 0x10000),
		cart:          NewCartridge(),
		mbc:           NewNoMBC(make([]byte, 0x8000), 0),
		APU:           audio.New(),
		joypadButtons: 0x0F,
		joypadDpad:    0x0F,
		wramBank:      1,
	}
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) })
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	initRegionMap(mmu)
	return mmu
}

// SetMode selects DMG or CGB register decoding. Must be called before the
// system sequencer starts stepping.
func (m *MMU) SetMode(mode Mode) {
	m.mode = mode
}

// SetBootROM installs a boot image to be overlaid at 0x0000-0x00FF (DMG) or
// 0x0000-0x08FF except the 0x0100-0x01FF cartridge header (CGB), mapped
// until a write lands on BootROMDisable.
func (m *MMU) SetBootROM(data []byte) {
	m.bootROM = append([]byte(nil), data...)
	m.bootROMEnabled = len(m.bootROM) > 0
}

// Mode reports whether the bus is decoding registers as DMG or CGB.
func (m *MMU) Mode() Mode {
	return m.mode
}

// SpeedSwitchArmed reports whether KEY1 bit 0 has been set, requesting a
// double-speed toggle on the next STOP instruction.
func (m *MMU) SpeedSwitchArmed() bool {
	return m.mode == ModeCGB && m.key1&0x01 != 0
}

// SpritePriorityByIndex reports whether sprite drawing priority should be
// resolved by OAM index alone, ignoring X coordinate. This is the CGB
// default (OPRI bit 0 clear); setting OPRI bit 0 switches a CGB ROM back to
// DMG-style X-then-index priority, and DMG mode always uses X-then-index.
func (m *MMU) SpritePriorityByIndex() bool {
	return m.mode == ModeCGB && m.opri&0x01 == 0
}

// IsDoubleSpeed reports whether the CGB double-speed bit (KEY1 bit 7) is
// currently set. The system sequencer halves the number of T-cycles it
// charges per CPU M-cycle while this is true, and the frame sequencer reads
// divider bit 13 instead of bit 12 (spec.md §4.5).
func (m *MMU) IsDoubleSpeed() bool {
	return m.key1&0x80 != 0
}

// PerformSpeedSwitch toggles the CGB double-speed bit and clears the arm
// bit, mirroring what STOP does on hardware when KEY1 bit 0 is set. It also
// resets the internal divider, matching the real hardware's DIV reset on a
// speed switch.
func (m *MMU) PerformSpeedSwitch() bool {
	if !m.SpeedSwitchArmed() {
		return false
	}
	current := m.key1&0x80 != 0
	if current {
		m.key1 &^= 0x80
	} else {
		m.key1 |= 0x80
	}
	m.key1 &^= 0x01
	m.timer.ResetDivider()
	return true
}

// Tick advances any i/o that needs it by one T-cycle. This is the only entry
// point the system sequencer uses; it replaces the former batch-of-cycles
// interface now that the CPU/PPU/timer all step dot-by-dot.
func (m *MMU) Tick() {
	m.timer.Tick()
	if m.serial != nil {
		m.serial.Tick(1)
	}
	sequencerBit := uint(12)
	if m.IsDoubleSpeed() {
		sequencerBit = 13
	}
	m.APU.Tick(1, m.timer.DividerBit(sequencerBit))
	if rtc := m.mbc3RTC(); rtc != nil {
		rtc.Tick()
	}
	m.tickOAMDMA()
}

func (m *MMU) mbc3RTC() *RTC {
	if mbc3, ok := m.mbc.(*MBC3); ok {
		return mbc3.RTC()
	}
	return nil
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) *MMU {
	mmu := New()
	mmu.cart = cart
	mmu.mbc = NewMBCFor(cart)
	if cart.IsCGB() {
		mmu.mode = ModeCGB
	}
	return mmu
}

// LoadBatteryRAM seeds the cartridge's external RAM from a previously saved
// image such as the one RequestSaveRam returns. Only the RAM is restored;
// the MBC3 clock is carried by save states, not by this image.
func (m *MMU) LoadBatteryRAM(data []byte) {
	if m.mbc != nil {
		m.mbc.LoadRAM(data)
	}
}

// SaveBatteryRAM returns a copy of the cartridge's external RAM for
// persistence, or nil if the cartridge has none.
func (m *MMU) SaveBatteryRAM() []byte {
	if m.mbc == nil {
		return nil
	}
	return m.mbc.SaveRAM()
}

// BatteryDirty reports whether external RAM has changed since the last
// ClearBatteryDirty call, for hosts that poll before writing to disk.
func (m *MMU) BatteryDirty() bool {
	return m.mbc != nil && m.mbc.Dirty()
}

func (m *MMU) ClearBatteryDirty() {
	if m.mbc != nil {
		m.mbc.ClearDirty()
	}
}

// MMUState is the part of MMU round-tripped by SaveState/LoadState. ROM
// contents and the boot ROM image are not included: Construct re-supplies
// them, and only the banking/IO state that a running game can observe needs
// to survive the round trip.
type MMUState struct {
	Memory        []byte
	Mode          Mode
	JoypadButtons uint8
	JoypadDpad    uint8
	DMA           oamDMA
	HDMA          hdma
	VRAMBanks     [2][0x2000]byte
	VRAMBank      uint8
	WRAMBanks     [8][0x1000]byte
	WRAMBank      uint8
	BootROMOn     bool
	Key1          uint8
	BGPalette     cgbPaletteRAM
	OBJPalette    cgbPaletteRAM
	OPRI          uint8

	Timer      TimerState
	APU        audio.State
	MBCBank    []byte
	HasRTC     bool
	RTC        RTCSnapshot
	RTCUnixNow int64
}

// State snapshots the bus and everything it owns directly (timer, APU,
// cartridge banking, RTC). unixNow is stamped into the RTC snapshot so a
// later LoadState with useRealRtc can fast-forward missed wall-clock time.
func (m *MMU) State(unixNow int64) MMUState {
	s := MMUState{
		Memory:        append([]byte(nil), m.memory...),
		Mode:          m.mode,
		JoypadButtons: m.joypadButtons,
		JoypadDpad:    m.joypadDpad,
		DMA:           m.dma,
		HDMA:          m.hdma,
		VRAMBanks:     m.vramBanks,
		VRAMBank:      m.vramBank,
		WRAMBanks:     m.wramBanks,
		WRAMBank:      m.wramBank,
		BootROMOn:     m.bootROMEnabled,
		Key1:          m.key1,
		BGPalette:     m.bgPalette,
		OBJPalette:    m.objPalette,
		OPRI:          m.opri,
		Timer:         m.timer.State(),
		APU:           m.APU.State(),
	}
	if m.mbc != nil {
		s.MBCBank = m.mbc.BankState()
	}
	if rtc := m.mbc3RTC(); rtc != nil {
		s.HasRTC = true
		s.RTC = rtc.Snapshot(unixNow)
		s.RTCUnixNow = unixNow
	}
	return s
}

// SetState restores a previously captured MMUState. unixNow and useRealRtc
// govern whether the RTC (if present) fast-forwards by the elapsed wall
// clock time since the snapshot was taken.
func (m *MMU) SetState(s MMUState, unixNow int64, useRealRtc bool) {
	copy(m.memory, s.Memory)
	m.mode = s.Mode
	m.joypadButtons = s.JoypadButtons
	m.joypadDpad = s.JoypadDpad
	m.dma = s.DMA
	m.hdma = s.HDMA
	m.vramBanks = s.VRAMBanks
	m.vramBank = s.VRAMBank
	m.wramBanks = s.WRAMBanks
	m.wramBank = s.WRAMBank
	m.bootROMEnabled = s.BootROMOn
	m.key1 = s.Key1
	m.bgPalette = s.BGPalette
	m.objPalette = s.OBJPalette
	m.opri = s.OPRI
	m.timer.SetState(s.Timer)
	m.APU.SetState(s.APU)
	if m.mbc != nil && s.MBCBank != nil {
		m.mbc.RestoreBankState(s.MBCBank)
	}
	if s.HasRTC {
		if rtc := m.mbc3RTC(); rtc != nil {
			rtc.Restore(s.RTC, unixNow, useRealRtc)
		}
	}
}

func initRegionMap(m *MMU) {
	// ROM: 0x0000-0x7FFF
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	// VRAM: 0x8000-0x9FFF
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	// External RAM: 0xA000-0xBFFF
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	// Work RAM: 0xC000-0xDFFF
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	// Echo RAM: 0xE000-0xFDFF
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	// OAM: 0xFE00-0xFE9F, Unused: 0xFEA0-0xFEFF
	m.regionMap[0xFE] = regionOAM
	// IO + HRAM: 0xFF00-0xFFFF
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	interruptFlags := m.Read(addr.IF)

	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	newFlags := bit.Set(bitPos, interruptFlags)

	m.Write(addr.IF, newFlags)
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

// ppuMode returns the current STAT mode bits (0-3). The bus never imports
// the video package; STAT is the single source of truth both sides agree on.
func (m *MMU) ppuMode() byte {
	return m.memory[addr.STAT] & 0x03
}

func (m *MMU) lcdEnabled() bool {
	return bit.IsSet(7, m.memory[addr.LCDC])
}

// vramBlocked reports whether the CPU-visible bus should see 0xFF for VRAM
// reads during mode 3, per spec.md's PPU-access-gating invariant. OAM DMA
// bypasses this (it addresses memory directly, not through Read/Write).
func (m *MMU) vramBlocked() bool {
	return m.lcdEnabled() && m.ppuMode() == 3
}

// oamBlocked reports whether OAM is hidden from the CPU during modes 2 and 3.
func (m *MMU) oamBlocked() bool {
	if m.dma.Active && m.dma.StartupRemaining == 0 {
		return true
	}
	if !m.lcdEnabled() {
		return false
	}
	mode := m.ppuMode()
	return mode == 2 || mode == 3
}

// OAMCorruptionKind identifies which of the three observed glitch patterns
// a 16-bit register access applies, per §4.2: incrementing/decrementing a
// register pair corrupts two rows (Write), reading through HL (LDI/LDD
// A,(HL)) corrupts one row both on the address calculation and the
// following write-back (ReadWrite), and PUSH/POP's two SP-touching halves
// split into a plain write (Write) and, for POP's second byte, a
// read-only variant (Read) with its own formula.
type OAMCorruptionKind int

const (
	OAMCorruptionWrite OAMCorruptionKind = iota
	OAMCorruptionReadWrite
	OAMCorruptionRead
)

// CorruptOAM reproduces the DMG's OAM-scan bus-conflict bug: a 16-bit
// register that points into OAM (0xFE00-0xFEFF) while the PPU is scanning
// OAM (mode 2, within the first 76 dots of the scanline) glitches the row
// the PPU's internal address happens to be reading, per §4.2 and the
// mandatory oam_bug/4-scanline_timing.gb scenario in §8. row is the OAM
// row (0-19, 8 bytes/2 sprites each) the PPU is currently scanning.
func (m *MMU) CorruptOAM(word uint16, kind OAMCorruptionKind, row int) {
	if m.mode != ModeDMG {
		return
	}
	if word < addr.OAMStart || word > 0xFEFF {
		return
	}

	readWord := func(rowAddr int) uint16 {
		base := int(addr.OAMStart) + rowAddr
		return uint16(m.memory[base])<<8 | uint16(m.memory[base+1])
	}
	writeWord := func(rowAddr int, value uint16) {
		base := int(addr.OAMStart) + rowAddr
		m.memory[base] = byte(value >> 8)
		m.memory[base+1] = byte(value)
	}
	copyTail := func(dstRowAddr, srcRowAddr int) {
		dst := int(addr.OAMStart) + dstRowAddr + 2
		src := int(addr.OAMStart) + srcRowAddr + 2
		copy(m.memory[dst:dst+6], m.memory[src:src+6])
	}

	if kind == OAMCorruptionReadWrite {
		if row >= 4 && row < 19 {
			rowN, rowN1, rowN2 := row*8, (row-1)*8, (row-2)*8

			a := readWord(rowN2)
			b := readWord(rowN1)
			c := readWord(rowN)
			d := readWord(rowN1 + 4)

			writeWord(rowN1, (b&(a|c|d))|(a&c&d))

			var tmp [8]byte
			base := int(addr.OAMStart) + rowN1
			copy(tmp[:], m.memory[base:base+8])
			dstN := int(addr.OAMStart) + rowN
			dstN2 := int(addr.OAMStart) + rowN2
			copy(m.memory[dstN:dstN+8], tmp[:])
			copy(m.memory[dstN2:dstN2+8], tmp[:])
		}

		if row > 0 {
			currentRowAddr, prevRowAddr := row*8, (row-1)*8

			a := readWord(currentRowAddr)
			b := readWord(prevRowAddr)
			c := readWord(prevRowAddr + 4)

			writeWord(currentRowAddr, b|(a&c))
			copyTail(currentRowAddr, prevRowAddr)
		}
		return
	}

	if row == 0 {
		return
	}
	currentRowAddr, prevRowAddr := row*8, (row-1)*8

	a := readWord(currentRowAddr)
	b := readWord(prevRowAddr)
	c := readWord(prevRowAddr + 4)

	var corrupted uint16
	if kind == OAMCorruptionWrite {
		corrupted = ((a ^ c) & (b ^ c)) ^ c
	} else {
		corrupted = b | (a & c)
	}
	writeWord(currentRowAddr, corrupted)
	copyTail(currentRowAddr, prevRowAddr)
}

func (m *MMU) Read(address uint16) byte {
	if m.bootROMEnabled && int(address) < len(m.bootROM) && m.bootInRange(address) {
		return m.bootROM[address]
	}

	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.vramBlocked() {
			return 0xFF
		}
		if m.mode == ModeCGB {
			return m.vramBanks[m.vramBank][address-0x8000]
		}
		return m.memory[address]
	case regionWRAM:
		return m.readWRAM(address)
	case regionEcho:
		return m.readWRAM(address - 0x2000)
	case regionOAM:
		if address <= 0xFE9F {
			if m.oamBlocked() {
				return 0xFF
			}
			return m.memory[address]
		}
		return 0xFF
	case regionIO:
		return m.readIO(address)
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

// bootInRange reports whether address falls in the boot ROM's overlay
// window: 0x000-0x0FF on DMG, plus 0x200-0x8FF on CGB (the area spanning the
// Nintendo logo check is never covered by either boot ROM).
func (m *MMU) bootInRange(address uint16) bool {
	if address <= 0x00FF {
		return true
	}
	return m.mode == ModeCGB && address >= 0x0200 && address <= 0x08FF
}

func (m *MMU) readWRAM(address uint16) byte {
	if address <= 0xCFFF {
		return m.memory[address]
	}
	if m.mode != ModeCGB {
		return m.memory[address]
	}
	bank := m.wramBank
	if bank == 0 {
		bank = 1
	}
	return m.wramBanks[bank][address-0xD000]
}

func (m *MMU) writeWRAM(address uint16, value byte) {
	if address <= 0xCFFF {
		m.memory[address] = value
		return
	}
	if m.mode != ModeCGB {
		m.memory[address] = value
		return
	}
	bank := m.wramBank
	if bank == 0 {
		bank = 1
	}
	m.wramBanks[bank][address-0xD000] = value
}

func (m *MMU) readIO(address uint16) byte {
	switch {
	case address == addr.P1:
		return m.memory[address]
	case address == addr.SB || address == addr.SC:
		return m.serial.Read(address)
	case address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC:
		return m.timer.Read(address)
	case address >= 0xFF10 && address <= 0xFF3F:
		return m.APU.ReadRegister(address)
	case address == addr.IF:
		// Just in case, we always read the upper 3 bits of IF as 1.
		// They're not used, but have caused me some headaches when checking for
		// when the halt bug triggers (IF != 0).
		return m.memory[address] | 0xE0
	case address == addr.DMA:
		return m.memory[address]
	case m.mode == ModeCGB && address == addr.KEY1:
		return m.key1 | 0x7E
	case m.mode == ModeCGB && address == addr.VBK:
		return m.vramBank | 0xFE
	case address == addr.BootROMDisable:
		if m.bootROMEnabled {
			return 0x00
		}
		return 0x01
	case m.mode == ModeCGB && (address == addr.HDMA1 || address == addr.HDMA2 || address == addr.HDMA3 || address == addr.HDMA4):
		return 0xFF
	case m.mode == ModeCGB && address == addr.HDMA5:
		return m.readHDMA5()
	case m.mode == ModeCGB && address == addr.BGPI:
		return m.bgPalette.readIndex()
	case m.mode == ModeCGB && address == addr.BGPD:
		return m.bgPalette.readData()
	case m.mode == ModeCGB && address == addr.OBPI:
		return m.objPalette.readIndex()
	case m.mode == ModeCGB && address == addr.OBPD:
		return m.objPalette.readData()
	case m.mode == ModeCGB && address == addr.OPRI:
		return m.opri | 0xFE
	case m.mode == ModeCGB && address == addr.SVBK:
		return m.wramBank | 0xF8
	case address >= 0xFF80:
		return m.memory[address]
	default:
		return m.memory[address]
	}
}

func (m *MMU) Write(address uint16, value byte) {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		if m.vramBlocked() {
			return
		}
		if m.mode == ModeCGB {
			m.vramBanks[m.vramBank][address-0x8000] = value
		} else {
			m.memory[address] = value
		}
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		m.writeWRAM(address, value)
	case regionEcho:
		m.writeWRAM(address-0x2000, value)
	case regionOAM:
		if address <= 0xFE9F {
			if m.oamBlocked() {
				return
			}
			m.memory[address] = value
		}
	case regionIO:
		m.writeIO(address, value)
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

func (m *MMU) writeIO(address uint16, value byte) {
	switch {
	case address == addr.P1:
		m.writeJoypad(value)
	case address == addr.SB || address == addr.SC:
		m.serial.Write(address, value)
	case address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC:
		m.timer.Write(address, value)
	case address >= 0xFF10 && address <= 0xFF3F:
		m.APU.WriteRegister(address, value)
	case address == addr.IF:
		// This register's upper 3 bits always read as 1.
		m.memory[address] = value | 0xE0
	case address == addr.DMA:
		m.startOAMDMA(value)
	case m.mode == ModeCGB && address == addr.KEY1:
		m.key1 = (m.key1 & 0x80) | (value & 0x01)
	case m.mode == ModeCGB && address == addr.VBK:
		m.vramBank = value & 0x01
	case address == addr.BootROMDisable:
		if m.bootROMEnabled {
			m.bootROMEnabled = false
			if m.BootROMDisabledHook != nil {
				m.BootROMDisabledHook()
			}
		}
	case m.mode == ModeCGB && address == addr.HDMA1:
		m.hdma.Source = (m.hdma.Source & 0x00FF) | uint16(value)<<8
	case m.mode == ModeCGB && address == addr.HDMA2:
		m.hdma.Source = (m.hdma.Source & 0xFF00) | uint16(value&0xF0)
	case m.mode == ModeCGB && address == addr.HDMA3:
		m.hdma.Dest = (m.hdma.Dest & 0x00FF) | uint16(value&0x1F)<<8
	case m.mode == ModeCGB && address == addr.HDMA4:
		m.hdma.Dest = (m.hdma.Dest & 0xFF00) | uint16(value&0xF0)
	case m.mode == ModeCGB && address == addr.HDMA5:
		m.writeHDMA5(value)
	case m.mode == ModeCGB && address == addr.BGPI:
		m.bgPalette.writeIndex(value)
	case m.mode == ModeCGB && address == addr.BGPD:
		m.bgPalette.writeData(value, m.vramBlocked())
	case m.mode == ModeCGB && address == addr.OBPI:
		m.objPalette.writeIndex(value)
	case m.mode == ModeCGB && address == addr.OBPD:
		m.objPalette.writeData(value, m.vramBlocked())
	case m.mode == ModeCGB && address == addr.OPRI:
		m.opri = value & 0x01
	case m.mode == ModeCGB && address == addr.SVBK:
		m.wramBank = value & 0x07
	case address >= 0xFF80:
		m.memory[address] = value
	default:
		m.memory[address] = value
	}
}

// startOAMDMA arms the OAM-DMA engine. A write that lands while no transfer
// is running, or while the current one is still inside its own startup
// window (no bytes copied yet), replaces the source immediately. A write
// that lands once a transfer is actively copying bytes instead arms a
// restart: the in-flight transfer keeps copying from its old source until
// the new write's own startup delay elapses, at which point it takes over
// from scratch and whatever the old transfer had left is discarded.
func (m *MMU) startOAMDMA(value byte) {
	m.memory[addr.DMA] = value

	if m.dma.Active && m.dma.StartupRemaining == 0 {
		m.dma.RestartPending = true
		m.dma.RestartSourceHigh = uint16(value) << 8
		m.dma.RestartRemaining = oamDMAStartupCycles
		return
	}

	m.dma.Active = true
	m.dma.SourceHigh = uint16(value) << 8
	m.dma.StartupRemaining = oamDMAStartupCycles
	m.dma.CycleInTransfer = 0
	m.dma.RestartPending = false
}

// tickOAMDMA advances the OAM-DMA engine by one T-cycle: after a 4-cycle
// startup window, one byte lands every 4 cycles, 160 bytes total, for a
// 640-cycle transfer. A pending restart's own countdown runs alongside the
// active transfer and swaps the source in once it reaches zero.
func (m *MMU) tickOAMDMA() {
	if !m.dma.Active {
		return
	}

	if m.dma.RestartPending {
		m.dma.RestartRemaining--
		if m.dma.RestartRemaining <= 0 {
			m.dma.SourceHigh = m.dma.RestartSourceHigh
			m.dma.StartupRemaining = oamDMAStartupCycles
			m.dma.CycleInTransfer = 0
			m.dma.RestartPending = false
		}
	}

	if m.dma.StartupRemaining > 0 {
		m.dma.StartupRemaining--
		return
	}

	if m.dma.CycleInTransfer%4 == 0 {
		byteIndex := uint16(m.dma.CycleInTransfer / 4)
		src := m.dma.SourceHigh + byteIndex
		m.memory[0xFE00+byteIndex] = m.dmaSourceRead(src)
	}
	m.dma.CycleInTransfer++
	if m.dma.CycleInTransfer >= 640 {
		m.dma.Active = false
	}
}

// dmaSourceRead reads the DMA source byte directly, bypassing the OAM
// access gate the DMA engine itself is setting (it is the one writer
// allowed to touch OAM while the gate is up).
func (m *MMU) dmaSourceRead(address uint16) byte {
	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.mode == ModeCGB {
			return m.vramBanks[m.vramBank][address-0x8000]
		}
		return m.memory[address]
	case regionWRAM:
		return m.readWRAM(address)
	case regionEcho:
		return m.readWRAM(address - 0x2000)
	default:
		return m.memory[address]
	}
}

func (m *MMU) readHDMA5() byte {
	if !m.hdma.Active {
		return 0x80 | byte((m.hdma.Length/0x10)-1)
	}
	return byte((m.hdma.Length / 0x10) - 1)
}

// writeHDMA5 arms a transfer. Bit 7 selects HBlank-gated mode (1) vs
// general-purpose immediate mode (0). Writing bit 7 = 0 while an
// HBlank-gated transfer is active cancels it instead of starting a new one.
func (m *MMU) writeHDMA5(value byte) {
	if m.hdma.Active && m.hdma.HblankMode && value&0x80 == 0 {
		m.hdma.Active = false
		return
	}

	length := (uint16(value&0x7F) + 1) * 0x10
	m.hdma.Length = length
	m.hdma.HblankMode = value&0x80 != 0
	m.hdma.Active = true

	if !m.hdma.HblankMode {
		m.runGDMABlocking()
	}
}

// runGDMABlocking performs a general-purpose DMA transfer all at once,
// charging the CPU's stall for each block (8 T-cycles normal speed, 16
// double speed) through HDMAStallFunc as it goes, so the PPU/timer/APU keep
// advancing through the stall even though no instruction executes during it.
func (m *MMU) runGDMABlocking() {
	cost := m.hdmaBlockCycles()
	for m.hdma.Length > 0 {
		m.copyHDMABlock()
		if m.HDMAStallFunc != nil {
			m.HDMAStallFunc(cost)
		}
	}
	m.hdma.Active = false
}

func (m *MMU) copyHDMABlock() {
	for i := 0; i < 0x10 && m.hdma.Length > 0; i++ {
		value := m.dmaSourceRead(m.hdma.Source)
		dest := 0x8000 + (m.hdma.Dest & 0x1FFF)
		if m.mode == ModeCGB {
			m.vramBanks[m.vramBank][dest-0x8000] = value
		} else {
			m.memory[dest] = value
		}
		m.hdma.Source++
		m.hdma.Dest++
		m.hdma.Length--
	}
}

// NotifyHBlank is called by the PPU the instant it enters HBlank (mode 0),
// triggering one 0x10-byte block of a pending HBlank-gated HDMA transfer.
// Real hardware stalls the CPU for the same per-block cost a GDMA transfer
// pays (hdmaBlockCycles); this simplified model moves the block instantly
// without charging that stall separately, since doing so mid-PPU-tick would
// mean re-entering the system sequencer's own tick loop.
func (m *MMU) NotifyHBlank() {
	if m.mode != ModeCGB || !m.hdma.Active || !m.hdma.HblankMode {
		return
	}
	m.copyHDMABlock()
	if m.hdma.Length == 0 {
		m.hdma.Active = false
	}
}

// updateJoypadRegister sets the joypad register (P1) according to selection bits
// and hardware (buttons) status.
//
// In real hw, this register is actually just a selector (bits 5-6) that control
// to which set of buttons the low bits (0-3) are mapped to.
//
// The mapping:
//   - if bit 4 is set, bits 0-3 are mapped to the 4 d-pad directions
//   - if bit 5 is set, bits 0-3 are mapped to A, B, Start, Select
//   - if both are set, hw does an AND of both button sets
//   - if neither are set, return 0x0F (high impedence state)
//
// This function is called whenever:
//   - there is a write to the P1 register (only set bits 4-5)
//   - a button is pressed or released (tracked separately)
//
// Note that 1 -> button released, 0 -> button pressed.
// Bits 6-7 are unused, they always read as 1 on real hardware.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b11000000) // Bits 6-7 are always read as 1
	result |= p1 & 0b00110000   // Keep selection bits 4-5

	// A button group is selected if the corresponding bit is 0
	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypadButtons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypadDpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypadButtons & m.joypadDpad & 0x0F
	default:
		// no selection
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b00110000
	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypadButtons
	oldDpad := m.joypadDpad

	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Reset(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Reset(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Reset(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Reset(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Reset(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Reset(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Reset(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Reset(3, m.joypadButtons)
	}

	buttonTransitions := oldButtons & ^m.joypadButtons
	dpadTransitions := oldDpad & ^m.joypadDpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Set(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Set(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Set(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Set(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Set(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Set(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Set(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Set(3, m.joypadButtons)
	}

	m.updateJoypadRegister()
}
