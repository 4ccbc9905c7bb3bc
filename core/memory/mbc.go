package memory

// MBC represents a Memory Bank Controller interface that all MBC variants
// implement. RAM-enable transitions are surfaced via RAMEnabled so the bus
// can flush battery RAM on the falling edge (spec.md §4.7).
type MBC interface {
	Read(addr uint16) uint8
	Write(addr uint16, value uint8)
	RAMEnabled() bool
	Dirty() bool
	ClearDirty()
	SaveRAM() []byte
	LoadRAM(data []byte)

	// BankState/RestoreBankState round-trip the controller's bank-select
	// registers for SaveState/LoadState; they never touch ROM/RAM contents.
	BankState() []byte
	RestoreBankState(data []byte)
}

const romBankSize = 0x4000
const ramBankSize = 0x2000

// NoMBC represents cartridges with no banking capability: ROM is mapped
// directly to 0x0000-0x7FFF and cannot be switched.
type NoMBC struct {
	rom []uint8
	ram []uint8
}

func NewNoMBC(rom []uint8, ramSize int) *NoMBC {
	return &NoMBC{rom: rom, ram: make([]uint8, ramSize)}
}

func (m *NoMBC) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x7FFF:
		if int(addr) >= len(m.rom) {
			return 0xFF
		}
		return m.rom[addr]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if len(m.ram) == 0 {
			return 0xFF
		}
		return m.ram[(addr-0xA000)%uint16(len(m.ram))]
	default:
		return 0xFF
	}
}

func (m *NoMBC) Write(addr uint16, value uint8) {
	if addr >= 0xA000 && addr <= 0xBFFF && len(m.ram) > 0 {
		m.ram[(addr-0xA000)%uint16(len(m.ram))] = value
	}
}

func (m *NoMBC) RAMEnabled() bool    { return len(m.ram) > 0 }
func (m *NoMBC) Dirty() bool         { return false }
func (m *NoMBC) ClearDirty()         {}
func (m *NoMBC) SaveRAM() []byte     { return append([]byte(nil), m.ram...) }
func (m *NoMBC) LoadRAM(data []byte) { copy(m.ram, data) }

func (m *NoMBC) BankState() []byte         { return nil }
func (m *NoMBC) RestoreBankState(data []byte) {}

// MBC1 implements bank1 (5-bit low ROM bank, min 1) / bank2 (2-bit RAM bank
// or high ROM bits) / mode (simple vs advanced) banking, plus the MBC1M
// multicart bank1 shift reduction.
type MBC1 struct {
	rom          []uint8
	ram          []uint8
	bank1        uint8 // low 5 bits of ROM bank (4 on multicart), min 1
	bank2        uint8 // 2 bits: RAM bank, or high ROM bits
	mode         uint8 // 0 = simple, 1 = advanced
	ramEnabled   bool
	multicart    bool
	dirty        bool
}

func NewMBC1(rom []uint8, ramSize int, multicart bool) *MBC1 {
	return &MBC1{rom: rom, ram: make([]uint8, ramSize), bank1: 1, multicart: multicart}
}

func (m *MBC1) bank1Bits() uint8 {
	if m.multicart {
		return 4
	}
	return 5
}

func (m *MBC1) romBankLow() int {
	mask := uint8(1<<m.bank1Bits()) - 1
	bank := m.bank1 & mask
	if bank == 0 {
		bank = 1
	}
	if m.multicart {
		return int(bank) | int(m.bank2)<<4
	}
	return int(bank) | int(m.bank2)<<5
}

func (m *MBC1) romOffset(bank int) int {
	if len(m.rom) == 0 {
		return 0
	}
	return (bank * romBankSize) % len(m.rom)
}

func (m *MBC1) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		bank := 0
		if m.mode == 1 {
			if m.multicart {
				bank = int(m.bank2) << 4
			} else {
				bank = int(m.bank2) << 5
			}
		}
		off := m.romOffset(bank) + int(addr)
		if off >= len(m.rom) {
			return 0xFF
		}
		return m.rom[off]
	case addr >= 0x4000 && addr <= 0x7FFF:
		off := m.romOffset(m.romBankLow()) + int(addr-0x4000)
		if off >= len(m.rom) {
			return 0xFF
		}
		return m.rom[off]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		bank := 0
		if m.mode == 1 {
			bank = int(m.bank2)
		}
		off := (bank*ramBankSize + int(addr-0xA000)) % len(m.ram)
		return m.ram[off]
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = value&0x0F == 0x0A
	case addr <= 0x3FFF:
		m.bank1 = value & 0x1F
	case addr <= 0x5FFF:
		m.bank2 = value & 0x03
	case addr <= 0x7FFF:
		m.mode = value & 0x01
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		bank := 0
		if m.mode == 1 {
			bank = int(m.bank2)
		}
		off := (bank*ramBankSize + int(addr-0xA000)) % len(m.ram)
		m.ram[off] = value
		m.dirty = true
	}
}

func (m *MBC1) RAMEnabled() bool    { return m.ramEnabled }
func (m *MBC1) Dirty() bool         { return m.dirty }
func (m *MBC1) ClearDirty()         { m.dirty = false }
func (m *MBC1) SaveRAM() []byte     { return append([]byte(nil), m.ram...) }
func (m *MBC1) LoadRAM(data []byte) { copy(m.ram, data) }


func (m *MBC1) BankState() []byte {
	enabled := uint8(0)
	if m.ramEnabled {
		enabled = 1
	}
	return []byte{m.bank1, m.bank2, m.mode, enabled}
}

func (m *MBC1) RestoreBankState(data []byte) {
	if len(data) < 4 {
		return
	}
	m.bank1, m.bank2, m.mode = data[0], data[1], data[2]
	m.ramEnabled = data[3] != 0
}

// MBC2 has built-in 512x4-bit RAM; address bit 8 of a low-area write
// distinguishes RAM-enable (clear) from ROM-bank-select (set).
type MBC2 struct {
	rom        []uint8
	ram        [512]uint8 // low nibble significant only
	romBank    uint8
	ramEnabled bool
	dirty      bool
}

func NewMBC2(rom []uint8) *MBC2 {
	return &MBC2{rom: rom, romBank: 1}
}

func (m *MBC2) romOffset(bank int) int {
	if len(m.rom) == 0 {
		return 0
	}
	return (bank * romBankSize) % len(m.rom)
}

func (m *MBC2) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		if int(addr) >= len(m.rom) {
			return 0xFF
		}
		return m.rom[addr]
	case addr >= 0x4000 && addr <= 0x7FFF:
		off := m.romOffset(int(m.romBank)) + int(addr-0x4000)
		if off >= len(m.rom) {
			return 0xFF
		}
		return m.rom[off]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		return m.ram[addr&0x1FF] | 0xF0
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x3FFF:
		if addr&0x0100 == 0 {
			m.ramEnabled = value&0x0F == 0x0A
		} else {
			bank := value & 0x0F
			if bank == 0 {
				bank = 1
			}
			m.romBank = bank
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		m.ram[addr&0x1FF] = value & 0x0F
		m.dirty = true
	}
}

func (m *MBC2) RAMEnabled() bool    { return m.ramEnabled }
func (m *MBC2) Dirty() bool         { return m.dirty }
func (m *MBC2) ClearDirty()         { m.dirty = false }
func (m *MBC2) SaveRAM() []byte     { return append([]byte(nil), m.ram[:]...) }
func (m *MBC2) LoadRAM(data []byte) { copy(m.ram[:], data) }


func (m *MBC2) BankState() []byte {
	enabled := uint8(0)
	if m.ramEnabled {
		enabled = 1
	}
	return []byte{m.romBank, enabled}
}

func (m *MBC2) RestoreBankState(data []byte) {
	if len(data) < 2 {
		return
	}
	m.romBank = data[0]
	m.ramEnabled = data[1] != 0
}

// MBC3 adds an 8-bit ROM bank, a 2-bit RAM bank that doubles as an RTC
// register index (0x08-0x0C), and the latch-on-0-then-1 RTC read port.
type MBC3 struct {
	rom          []uint8
	ram          []uint8
	romBank      uint8
	ramRTCSelect uint8
	ramEnabled   bool
	rtc          *RTC
	dirty        bool
}

func NewMBC3(rom []uint8, ramSize int, hasRTC bool) *MBC3 {
	m := &MBC3{rom: rom, ram: make([]uint8, ramSize), romBank: 1}
	if hasRTC {
		m.rtc = &RTC{}
	}
	return m
}

func (m *MBC3) RTC() *RTC { return m.rtc }

func (m *MBC3) romOffset(bank int) int {
	if len(m.rom) == 0 {
		return 0
	}
	return (bank * romBankSize) % len(m.rom)
}

func (m *MBC3) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		if int(addr) >= len(m.rom) {
			return 0xFF
		}
		return m.rom[addr]
	case addr >= 0x4000 && addr <= 0x7FFF:
		off := m.romOffset(int(m.romBank)) + int(addr-0x4000)
		if off >= len(m.rom) {
			return 0xFF
		}
		return m.rom[off]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.ramRTCSelect >= 0x08 && m.ramRTCSelect <= 0x0C {
			if m.rtc == nil {
				return 0xFF
			}
			return m.rtc.ReadRegister(m.ramRTCSelect)
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		off := (int(m.ramRTCSelect)*ramBankSize + int(addr-0xA000)) % len(m.ram)
		return m.ram[off]
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = value&0x0F == 0x0A
	case addr <= 0x3FFF:
		bank := value & 0x7F
		if bank == 0 {
			bank = 1
		}
		m.romBank = bank
	case addr <= 0x5FFF:
		m.ramRTCSelect = value & 0x0F
	case addr <= 0x7FFF:
		if m.rtc != nil {
			m.rtc.WriteLatchTrigger(value)
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.ramRTCSelect >= 0x08 && m.ramRTCSelect <= 0x0C {
			if m.rtc != nil {
				m.rtc.WriteRegister(m.ramRTCSelect, value)
			}
			return
		}
		if len(m.ram) == 0 {
			return
		}
		off := (int(m.ramRTCSelect)*ramBankSize + int(addr-0xA000)) % len(m.ram)
		m.ram[off] = value
		m.dirty = true
	}
}

func (m *MBC3) RAMEnabled() bool    { return m.ramEnabled }
func (m *MBC3) Dirty() bool         { return m.dirty }
func (m *MBC3) ClearDirty()         { m.dirty = false }
func (m *MBC3) SaveRAM() []byte     { return append([]byte(nil), m.ram...) }
func (m *MBC3) LoadRAM(data []byte) { copy(m.ram, data) }


func (m *MBC3) BankState() []byte {
	enabled := uint8(0)
	if m.ramEnabled {
		enabled = 1
	}
	return []byte{m.romBank, m.ramRTCSelect, enabled}
}

func (m *MBC3) RestoreBankState(data []byte) {
	if len(data) < 3 {
		return
	}
	m.romBank, m.ramRTCSelect = data[0], data[1]
	m.ramEnabled = data[2] != 0
}

// MBC5 has a 9-bit ROM bank (bank-low + one bank-high bit) and a 4-bit RAM
// bank, the low nibble of which is read by the host as the rumble motor
// state when the cartridge has a rumble motor (bit 3 repurposed).
type MBC5 struct {
	rom        []uint8
	ram        []uint8
	romBankLow uint8
	romBankHi  uint8
	ramBank    uint8
	ramEnabled bool
	hasRumble  bool
	dirty      bool

	// RumbleCallback is invoked whenever the rumble motor bit changes state.
	RumbleCallback func(active bool)
}

func NewMBC5(rom []uint8, ramSize int, hasRumble bool) *MBC5 {
	return &MBC5{rom: rom, ram: make([]uint8, ramSize), romBankLow: 1, hasRumble: hasRumble}
}

func (m *MBC5) romBank() int {
	return int(m.romBankHi)<<8 | int(m.romBankLow)
}

func (m *MBC5) romOffset(bank int) int {
	if len(m.rom) == 0 {
		return 0
	}
	return (bank * romBankSize) % len(m.rom)
}

func (m *MBC5) Read(addr uint16) uint8 {
	switch {
	case addr <= 0x3FFF:
		if int(addr) >= len(m.rom) {
			return 0xFF
		}
		return m.rom[addr]
	case addr >= 0x4000 && addr <= 0x7FFF:
		off := m.romOffset(m.romBank()) + int(addr-0x4000)
		if off >= len(m.rom) {
			return 0xFF
		}
		return m.rom[off]
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return 0xFF
		}
		bank := m.ramBank & 0x0F
		off := (int(bank)*ramBankSize + int(addr-0xA000)) % len(m.ram)
		return m.ram[off]
	default:
		return 0xFF
	}
}

func (m *MBC5) Write(addr uint16, value uint8) {
	switch {
	case addr <= 0x1FFF:
		m.ramEnabled = value&0x0F == 0x0A
	case addr <= 0x2FFF:
		m.romBankLow = value
	case addr <= 0x3FFF:
		m.romBankHi = value & 0x01
	case addr <= 0x5FFF:
		bank := value & 0x0F
		if m.hasRumble {
			active := bank&0x08 != 0
			bank &= 0x07
			if m.RumbleCallback != nil {
				m.RumbleCallback(active)
			}
		}
		m.ramBank = bank
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled || len(m.ram) == 0 {
			return
		}
		bank := m.ramBank & 0x0F
		off := (int(bank)*ramBankSize + int(addr-0xA000)) % len(m.ram)
		m.ram[off] = value
		m.dirty = true
	}
}

func (m *MBC5) RAMEnabled() bool    { return m.ramEnabled }
func (m *MBC5) Dirty() bool         { return m.dirty }
func (m *MBC5) ClearDirty()         { m.dirty = false }
func (m *MBC5) SaveRAM() []byte     { return append([]byte(nil), m.ram...) }
func (m *MBC5) LoadRAM(data []byte) { copy(m.ram, data) }


func (m *MBC5) BankState() []byte {
	enabled := uint8(0)
	if m.ramEnabled {
		enabled = 1
	}
	return []byte{m.romBankLow, m.romBankHi, m.ramBank, enabled}
}

func (m *MBC5) RestoreBankState(data []byte) {
	if len(data) < 4 {
		return
	}
	m.romBankLow, m.romBankHi, m.ramBank = data[0], data[1], data[2]
	m.ramEnabled = data[3] != 0
}

// NewMBCFor builds the banking controller matching a decoded cartridge.
func NewMBCFor(cart *Cartridge) MBC {
	ramSize := int(cart.ramBankCount) * ramBankSize
	switch cart.mbcType {
	case MBC1Type, MBC1MultiType:
		return NewMBC1(cart.data, ramSize, cart.isMulticart)
	case MBC2Type:
		return NewMBC2(cart.data)
	case MBC3Type:
		return NewMBC3(cart.data, ramSize, cart.hasRTC)
	case MBC5Type:
		return NewMBC5(cart.data, ramSize, cart.hasRumble)
	default:
		return NewNoMBC(cart.data, ramSize)
	}
}
