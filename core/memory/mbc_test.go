package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMBC1(t *testing.T) {
	t.Run("ROM Bank 0 (Fixed)", func(t *testing.T) {
		rom := make([]uint8, 0x8000)
		for i := range rom {
			rom[i] = uint8(i & 0xFF)
		}

		mbc := NewMBC1(rom, 0, false)

		for address := uint16(0x0000); address < 0x4000; address++ {
			assert.Equal(t, uint8(address&0xFF), mbc.Read(address))
		}
	})

	t.Run("ROM Bank Switching", func(t *testing.T) {
		rom := make([]uint8, 0x10000)
		for i := range rom {
			rom[i] = uint8(i / 0x4000)
		}

		mbc := NewMBC1(rom, 0, false)

		tests := []struct {
			name     string
			bankNum  uint8
			wantByte uint8
		}{
			{"Default Bank (1)", 1, 1},
			{"Switch to Bank 2", 2, 2},
			{"Switch to Bank 3", 3, 3},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if tt.bankNum > 1 {
					mbc.Write(0x2000, tt.bankNum)
				}
				assert.Equal(t, tt.wantByte, mbc.Read(0x4000))
			})
		}
	})

	t.Run("RAM Banking", func(t *testing.T) {
		mbc := NewMBC1(make([]uint8, 0x8000), 4*ramBankSize, false)

		t.Run("RAM Disabled by Default", func(t *testing.T) {
			assert.Equal(t, uint8(0xFF), mbc.Read(0xA000))
		})

		t.Run("RAM Enable/Disable", func(t *testing.T) {
			mbc.Write(0x0000, 0x0A)
			mbc.Write(0xA000, 0x42)
			assert.Equal(t, uint8(0x42), mbc.Read(0xA000))

			mbc.Write(0x0000, 0x00)
			assert.Equal(t, uint8(0xFF), mbc.Read(0xA000))
		})

		t.Run("Multiple RAM Banks", func(t *testing.T) {
			mbc.Write(0x0000, 0x0A) // enable
			mbc.Write(0x6000, 1)    // advanced (RAM banking) mode

			tests := []struct {
				bankNum uint8
				value   uint8
			}{
				{0, 0x42},
				{1, 0x43},
				{2, 0x44},
				{3, 0x45},
			}

			for _, tt := range tests {
				mbc.Write(0x4000, tt.bankNum)
				mbc.Write(0xA000, tt.value)
			}

			for _, tt := range tests {
				mbc.Write(0x4000, tt.bankNum)
				assert.Equal(t, tt.value, mbc.Read(0xA000))
			}
		})
	})

	t.Run("Banking Modes", func(t *testing.T) {
		rom := make([]uint8, 8*0x4000)
		for i := range rom {
			rom[i] = uint8(i / 0x4000)
		}

		mbc := NewMBC1(rom, 4*ramBankSize, false)

		t.Run("ROM Banking Mode (0)", func(t *testing.T) {
			mbc.Write(0x6000, 0)
			mbc.Write(0x2000, 5)
			mbc.Write(0x4000, 0)

			assert.Equal(t, uint8(5), mbc.Read(0x4000))

			// 37 % 8 banks == 5
			mbc.Write(0x2000, 5)
			mbc.Write(0x4000, 1)
			assert.Equal(t, uint8(5), mbc.Read(0x4000))
		})

		t.Run("RAM Banking Mode (1)", func(t *testing.T) {
			mbc.Write(0x6000, 1)
			mbc.Write(0x2000, 5)
			mbc.Write(0x4000, 2)

			require.EqualValues(t, 5, mbc.bank1)
			require.EqualValues(t, 2, mbc.bank2)

			assert.Equal(t, uint8(5), mbc.Read(0x4000))
		})
	})

	t.Run("Invalid Bank Handling", func(t *testing.T) {
		mbc := NewMBC1(make([]uint8, 0x8000), 0, false)

		t.Run("Bank 0 Translation", func(t *testing.T) {
			mbc.Write(0x2000, 0)
			require.EqualValues(t, 1, mbc.romBankLow())
		})

		t.Run("Out of Bounds Access", func(t *testing.T) {
			assert.Equal(t, uint8(0xFF), mbc.Read(0xC000))
		})
	})
}

func TestMBC2InternalRAM(t *testing.T) {
	rom := make([]uint8, 0x8000)
	mbc := NewMBC2(rom)

	assert.Equal(t, uint8(0xFF), mbc.Read(0xA000), "RAM reads 0xFF while disabled")

	mbc.Write(0x0000, 0x0A) // bit 8 of address clear -> RAM enable
	mbc.Write(0xA000, 0x1F)
	assert.Equal(t, uint8(0xFF), mbc.Read(0xA000), "only the low nibble is wired")

	mbc.Write(0xA000, 0x07)
	assert.Equal(t, uint8(0xF7), mbc.Read(0xA000))
}

func TestMBC2ROMBankSelect(t *testing.T) {
	rom := make([]uint8, 4*0x4000)
	for i := range rom {
		rom[i] = uint8(i / 0x4000)
	}
	mbc := NewMBC2(rom)

	mbc.Write(0x2100, 3) // bit 8 of address set -> ROM bank select
	assert.Equal(t, uint8(3), mbc.Read(0x4000))

	mbc.Write(0x2100, 0)
	assert.Equal(t, uint8(1), mbc.Read(0x4000), "bank 0 aliases to bank 1")
}

func TestMBC3RTCWindow(t *testing.T) {
	rom := make([]uint8, 2*0x4000)
	mbc := NewMBC3(rom, ramBankSize, true)

	mbc.Write(0x0000, 0x0A) // enable
	mbc.Write(0x4000, 0x08) // select seconds register
	mbc.RTC().WriteRegister(0x08, 30)
	mbc.RTC().Latch()
	assert.Equal(t, uint8(30), mbc.Read(0xA000))

	mbc.Write(0x4000, 0x00) // back to RAM bank 0
	mbc.Write(0xA000, 0x77)
	assert.Equal(t, uint8(0x77), mbc.Read(0xA000))
}

func TestMBC5RumbleBit(t *testing.T) {
	rom := make([]uint8, 2*0x4000)
	var rumbleActive bool
	mbc := NewMBC5(rom, ramBankSize, true)
	mbc.RumbleCallback = func(active bool) { rumbleActive = active }

	mbc.Write(0x4000, 0x08) // bit 3 is the rumble motor bit on rumble carts
	assert.True(t, rumbleActive)
	require.EqualValues(t, 0, mbc.ramBank)

	mbc.Write(0x4000, 0x00)
	assert.False(t, rumbleActive)
}
