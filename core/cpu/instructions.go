package cpu

import (
	"github.com/kestrelcore/gbcore/core/bit"
	"github.com/kestrelcore/gbcore/core/memory"
)

func (c *CPU) pushStack(r uint16) {
	c.sp--
	c.write(c.sp, bit.Low(r))
	c.sp--
	c.write(c.sp, bit.High(r))
}

func (c *CPU) popStack() uint16 {
	high := c.read(c.sp)
	c.sp++
	low := c.read(c.sp)
	c.sp++

	return bit.Combine(high, low)
}

// pushStackOAM is pushStack for the PUSH rr opcodes specifically: each of the
// two SP decrements it makes is itself a 16-bit register write that can fall
// in OAM and trigger §4.2's corruption glitch, which CALL/RST/RET/RETI's
// stack pushes do not.
func (c *CPU) pushStackOAM(r uint16) {
	c.corruptOAM(c.sp, memory.OAMCorruptionWrite)
	c.sp--
	c.corruptOAM(c.sp, memory.OAMCorruptionWrite)
	c.write(c.sp, bit.Low(r))
	c.sp--
	c.corruptOAM(c.sp, memory.OAMCorruptionWrite)
	c.write(c.sp, bit.High(r))
}

// popStackOAM is popStack for the POP rr opcodes, with the same OAM-glitch
// hook as pushStackOAM.
func (c *CPU) popStackOAM() uint16 {
	c.corruptOAM(c.sp, memory.OAMCorruptionReadWrite)
	high := c.read(c.sp)
	c.sp++
	c.corruptOAM(c.sp, memory.OAMCorruptionRead)
	low := c.read(c.sp)
	c.sp++

	return bit.Combine(high, low)
}

func (c *CPU) inc(r *uint8) {
	*r++
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0)
	c.resetFlag(subFlag)
}

func (c *CPU) dec(r *uint8) {
	*r--
	value := *r

	c.setFlagToCondition(zeroFlag, value == 0)
	c.setFlagToCondition(halfCarryFlag, (value&0xF) == 0xF)
	c.setFlag(subFlag)
}

func (c *CPU) rlc(r *uint8) {
	value := *r

	c.setFlagToCondition(carryFlag, value > 0x7F)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value << 1) | (value >> 7)
	*r = value
	c.setFlagToCondition(zeroFlag, value == 0 && r != &c.a)
}

func (c *CPU) rl(r *uint8) {
	value := *r
	carry := c.flagToBit(carryFlag)

	c.setFlagToCondition(carryFlag, value > 0x7F)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value << 1) | carry
	*r = value
	c.setFlagToCondition(zeroFlag, value == 0 && r != &c.a)
}

func (c *CPU) rrc(r *uint8) {
	value := *r

	c.setFlagToCondition(carryFlag, value&0x01 != 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value >> 1) | ((value & 1) << 7)
	*r = value
	c.setFlagToCondition(zeroFlag, value == 0 && r != &c.a)
}

func (c *CPU) rr(r *uint8) {
	value := *r
	carry := c.flagToBit(carryFlag) << 7

	c.setFlagToCondition(carryFlag, value&0x01 != 0)
	c.resetFlag(subFlag)
	c.resetFlag(halfCarryFlag)

	value = (value >> 1) | carry
	*r = value
	c.setFlagToCondition(zeroFlag, value == 0 && r != &c.a)
}

// addToA sets the result of adding an 8 bit register to A, while setting all relevant flags.
func (c *CPU) addToA(value uint8) {
	a := c.a
	result := a + value

	carry := (uint16(a) + uint16(value)) > 0xFF
	halfCarry := (a&0xF)+(value&0xF) > 0xF

	c.setFlagToCondition(zeroFlag, result == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.a = result
}

// addToHL sets the result of adding a 16 bit register to HL, while setting relevant flags.
func (c *CPU) addToHL(reg uint16) {
	hl := bit.Combine(c.h, c.l)
	result := hl + reg

	carry := (uint32(hl) + uint32(reg)) > 0xFFFF
	halfCarry := (hl&0xFFF)+(reg&0xFFF) > 0xFFF

	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, carry)
	c.setFlagToCondition(halfCarryFlag, halfCarry)

	c.h = bit.High(result)
	c.l = bit.Low(result)
}

// sub will subtract the value from register A and set all relevant flags.
func (c *CPU) sub(value uint8) {
	a := c.a
	c.a = a - value

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, a < value)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF) < 0)
}

// sbc will subtract the value and carry (1 if set, 0 otherwise) from the register A.
func (c *CPU) sbc(value uint8) {
	a := c.a
	carry := 0
	if c.isSetFlag(carryFlag) {
		carry = 1
	}

	result := int(c.a) - int(value) - carry
	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, result == 0)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, result < 0)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF)-carry < 0)
}

// adc adds value and the carry flag to register A.
func (c *CPU) adc(value uint8) {
	a := c.a
	carry := uint8(0)
	if c.isSetFlag(carryFlag) {
		carry = 1
	}

	result := uint16(a) + uint16(value) + uint16(carry)
	c.a = uint8(result)

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlagToCondition(carryFlag, result > 0xFF)
	c.setFlagToCondition(halfCarryFlag, (a&0xF)+(value&0xF)+carry > 0xF)
}

// cp compares value against register A, setting flags as sub would without
// storing the result.
func (c *CPU) cp(value uint8) {
	a := c.a
	c.setFlagToCondition(zeroFlag, a == value)
	c.setFlag(subFlag)
	c.setFlagToCondition(carryFlag, a < value)
	c.setFlagToCondition(halfCarryFlag, (int(a)&0xF)-(int(value)&0xF) < 0)
}

func (c *CPU) and(value uint8) {
	c.a &= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.setFlag(halfCarryFlag)
	c.resetFlag(carryFlag)
}

func (c *CPU) or(value uint8) {
	c.a |= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

func (c *CPU) xor(value uint8) {
	c.a ^= value
	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(subFlag)
	c.resetFlag(carryFlag)
	c.resetFlag(halfCarryFlag)
}

// daa adjusts A to its packed BCD representation after an 8-bit add or
// subtract, using the sub/half-carry/carry flags left by that operation.
func (c *CPU) daa() {
	var adjust uint8
	carry := false

	if c.isSetFlag(subFlag) {
		if c.isSetFlag(halfCarryFlag) {
			adjust += 0x06
		}
		if c.isSetFlag(carryFlag) {
			adjust += 0x60
			carry = true
		}
		c.a -= adjust
	} else {
		if c.isSetFlag(halfCarryFlag) || c.a&0x0F > 0x09 {
			adjust += 0x06
		}
		if c.isSetFlag(carryFlag) || c.a > 0x99 {
			adjust += 0x60
			carry = true
		}
		c.a += adjust
	}

	c.setFlagToCondition(zeroFlag, c.a == 0)
	c.resetFlag(halfCarryFlag)
	c.setFlagToCondition(carryFlag, carry)
}

// jr performs a relative jump using the signed immediate displacement,
// relative to the address immediately following the displacement byte.
func (c *CPU) jr() {
	offset := int8(c.readImmediate())
	c.pc = uint16(int32(c.pc) + int32(offset))
}

// jp performs an absolute jump to the immediate 16-bit address.
func (c *CPU) jp() {
	c.pc = c.readImmediateWord()
}

// jrConditional always consumes the displacement byte (the real CPU fetches
// it regardless of the condition) and only applies it when cond is true.
func (c *CPU) jrConditional(cond bool) int {
	offset := int8(c.readImmediate())
	if cond {
		c.pc = uint16(int32(c.pc) + int32(offset))
		return 12
	}
	return 8
}

// jpConditional always consumes the 16-bit address operand and only jumps
// to it when cond is true.
func (c *CPU) jpConditional(cond bool) int {
	target := c.readImmediateWord()
	if cond {
		c.pc = target
		return 16
	}
	return 12
}

// callConditional always consumes the 16-bit address operand and only
// pushes the return address and jumps when cond is true.
func (c *CPU) callConditional(cond bool) int {
	target := c.readImmediateWord()
	if cond {
		c.pushStack(c.pc)
		c.pc = target
		return 24
	}
	return 12
}

// retConditional pops and jumps to the return address only when cond is
// true; there is no operand to consume either way.
func (c *CPU) retConditional(cond bool) int {
	if cond {
		c.pc = c.popStack()
		return 20
	}
	return 8
}
