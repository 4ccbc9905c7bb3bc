package memory

import (
	"errors"
	"fmt"

	"github.com/kestrelcore/gbcore/core/bit"
)

const titleLength = 16

// Header field offsets, per the published DMG/CGB cartridge header layout.
const (
	entryPointAddress      = 0x100
	logoAddress            = 0x104
	logoLength             = 48
	titleAddress           = 0x134
	cgbFlagAddress         = 0x143
	newLicenseCodeAddress  = 0x144
	sgbFlagAddress         = 0x146
	cartridgeTypeAddress   = 0x147
	romSizeAddress         = 0x148
	ramSizeAddress         = 0x149
	destinationCodeAddress = 0x14A
	oldLicenseCodeAddress  = 0x14B
	versionNumberAddress   = 0x14C
	headerChecksumAddress  = 0x14D
	globalChecksumAddress  = 0x14E
)

// MBCType tags which banking-controller variant a cartridge uses.
type MBCType uint8

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// ErrShortROM is returned when a ROM image is too small to contain a header.
var ErrShortROM = errors.New("memory: ROM image shorter than cartridge header")

// cartTypeInfo carries the capability bits encoded in a 0x147 cart-type byte.
type cartTypeInfo struct {
	mbc        MBCType
	ram        bool
	battery    bool
	rtc        bool
	rumble     bool
}

var cartTypeTable = map[uint8]cartTypeInfo{
	0x00: {mbc: NoMBCType},
	0x01: {mbc: MBC1Type},
	0x02: {mbc: MBC1Type, ram: true},
	0x03: {mbc: MBC1Type, ram: true, battery: true},
	0x05: {mbc: MBC2Type},
	0x06: {mbc: MBC2Type, battery: true},
	0x08: {mbc: NoMBCType, ram: true},
	0x09: {mbc: NoMBCType, ram: true, battery: true},
	0x0F: {mbc: MBC3Type, rtc: true, battery: true},
	0x10: {mbc: MBC3Type, rtc: true, ram: true, battery: true},
	0x11: {mbc: MBC3Type},
	0x12: {mbc: MBC3Type, ram: true},
	0x13: {mbc: MBC3Type, ram: true, battery: true},
	0x19: {mbc: MBC5Type},
	0x1A: {mbc: MBC5Type, ram: true},
	0x1B: {mbc: MBC5Type, ram: true, battery: true},
	0x1C: {mbc: MBC5Type, rumble: true},
	0x1D: {mbc: MBC5Type, rumble: true, ram: true},
	0x1E: {mbc: MBC5Type, rumble: true, ram: true, battery: true},
}

// ramSizeTable maps the 0x149 RAM-size code to a bank count (each bank 8 KiB),
// per spec.md §6 ({0, 2, 8, 32, 128, 64} KiB total for codes 0-5).
var ramSizeTable = map[uint8]uint8{
	0x00: 0,
	0x01: 1, // 2 KiB, legacy/unused: treated as one partial bank
	0x02: 1,
	0x03: 4,
	0x04: 16,
	0x05: 8,
}

// Cartridge owns the raw ROM image and decoded header metadata. It does not
// itself implement banking; NewMBCFor builds the appropriate MBC variant
// from the fields here.
type Cartridge struct {
	data   []byte
	title  string
	cgbFlag uint8

	mbcType      MBCType
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	hasRAM       bool
	romBankCount int
	ramBankCount uint8
	isMulticart  bool
}

// NewCartridge creates an empty cartridge, useful only for tests that never
// touch banked ROM/RAM.
func NewCartridge() *Cartridge {
	return &Cartridge{data: make([]byte, 0x8000), mbcType: NoMBCType}
}

// NewCartridgeWithData parses a ROM image's header and returns the decoded
// cartridge. The header checksum is not checked or logged, so a mismatch
// never fails the load (many legitimate test ROMs ship a deliberately wrong
// checksum); only a structurally short image is an error, wrapping
// ErrShortROM.
func NewCartridgeWithData(data []byte) (*Cartridge, error) {
	if len(data) <= globalChecksumAddress+1 {
		return nil, fmt.Errorf("memory: %w (%d bytes)", ErrShortROM, len(data))
	}

	title := cleanGameboyTitle(data[titleAddress : titleAddress+titleLength])
	cartType := data[cartridgeTypeAddress]
	info, ok := cartTypeTable[cartType]
	if !ok {
		info = cartTypeInfo{mbc: MBCUnknownType}
	}

	romBanks := romBankCountForCode(data[romSizeAddress])
	ramBanks := ramSizeTable[data[ramSizeAddress]]

	cart := &Cartridge{
		data:         append([]byte(nil), data...),
		title:        title,
		cgbFlag:      data[cgbFlagAddress],
		mbcType:      info.mbc,
		hasBattery:   info.battery,
		hasRTC:       info.rtc,
		hasRumble:    info.rumble,
		hasRAM:       info.ram,
		romBankCount: romBanks,
		ramBankCount: ramBanks,
	}

	if cart.mbcType == MBC1Type && cart.detectMulticart() {
		cart.mbcType = MBC1MultiType
		cart.isMulticart = true
	}

	return cart, nil
}

// romBankCountForCode decodes the 0x148 ROM-size byte: 2^(n+1) 16 KiB banks
// for the standard codes, plus the legacy 0x52-0x54 codes.
func romBankCountForCode(code uint8) int {
	switch code {
	case 0x52:
		return 72
	case 0x53:
		return 80
	case 0x54:
		return 96
	default:
		return 2 << code
	}
}

// detectMulticart applies the heuristic from spec.md §4.7/§8: a 1 MiB (or
// larger) MBC1 ROM that repeats the Nintendo logo at the start of bank 0x10
// is a MBC1M multicart, which shifts bank1 by 4 bits instead of 5.
func (c *Cartridge) detectMulticart() bool {
	if len(c.data) < 0x100000 {
		return false
	}
	const bankSize = 0x4000
	secondaryLogo := 0x10*bankSize + 0x0104
	if secondaryLogo+logoLength > len(c.data) {
		return false
	}
	primary := c.data[logoAddress : logoAddress+logoLength]
	secondary := c.data[secondaryLogo : secondaryLogo+logoLength]
	for i := range primary {
		if primary[i] != secondary[i] {
			return false
		}
	}
	return true
}

// IsCGB reports whether the cartridge's CGB-flag byte requests color mode
// (0x80 "supports CGB" or 0xC0 "CGB only").
func (c *Cartridge) IsCGB() bool {
	return c.cgbFlag == 0x80 || c.cgbFlag == 0xC0
}

// CGBOnly reports whether the cartridge refuses to run on DMG hardware.
func (c *Cartridge) CGBOnly() bool { return c.cgbFlag == 0xC0 }

func (c *Cartridge) Title() string { return c.title }

func (c *Cartridge) headerChecksumValid() bool {
	var sum uint8
	for i := 0x134; i <= 0x14C; i++ {
		sum = sum - c.data[i] - 1
	}
	return sum == c.data[headerChecksumAddress]
}

func (c *Cartridge) globalChecksum() uint16 {
	return bit.Combine(c.data[globalChecksumAddress], c.data[globalChecksumAddress+1])
}
