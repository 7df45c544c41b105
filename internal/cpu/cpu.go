// Package cpu implements the opcode-dispatched interpreter: one Step
// call executes exactly one decoded instruction against a register file
// and an mmu.MMU.
package cpu

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/bassosimone/vm32/internal/addr"
	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/instruction"
	"github.com/bassosimone/vm32/internal/mmu"
	"github.com/bassosimone/vm32/internal/register"
)

// pacingFreq is the FREQ constant from the spec: the real-time cost, in
// microseconds, of one cycle under steady-clock pacing.
const pacingFreq = 5 * time.Microsecond

// CPU holds the register file, program counter, graphics-base pointer
// and cycle counter. A CPU is not safe for concurrent use; only the
// emulator's fetch-check-execute loop touches it.
type CPU struct {
	Regs *register.File
	PC   uint32
	Gfx  uint32
	Clk  uint64

	// SteadyClock, when true, tells Slp to size its cycle cost so that
	// the driver's own pacing loop accounts for the requested sleep
	// instead of the CPU blocking in time.Sleep itself.
	SteadyClock bool

	// ExitCode is set by Hlt to the low 32 bits of its operand register
	// (zr, i.e. 0, if the assembly supplied none), per the process
	// exit-code convention.
	ExitCode uint32

	// Stdout/Stderr receive Pr/Epr output; defaulted to os.Stdout and
	// os.Stderr by New, overridable for tests.
	Stdout io.Writer
	Stderr io.Writer
}

// New returns a freshly reset CPU: zeroed registers (sp at the top of
// the address space per register.NewFile), pc=0, gfx=0, clk=0.
func New() *CPU {
	return &CPU{
		Regs:   register.NewFile(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func operandB(regs *register.File, d instruction.Decoded) uint32 {
	if d.HasImm {
		return d.Imm
	}
	return regs.Get(register.Index(d.B))
}

func operandA(regs *register.File, d instruction.Decoded) uint32 {
	if d.HasImm {
		return d.Imm
	}
	return regs.Get(register.Index(d.A))
}

func jumpTarget(regs *register.File, d instruction.Decoded) uint32 {
	if d.HasImm {
		return d.Imm
	}
	return regs.Get(register.Index(d.Dst))
}

// Step executes one decoded instruction. stop is set to true by Hlt.
// cycles is reset to 1 on entry and overwritten by instructions with a
// different cost. pc is advanced by d.Size() unless the instruction
// itself wrote pc (jumps, calls, ret, hlt).
func (c *CPU) Step(d instruction.Decoded, m *mmu.MMU, stop *bool, cycles *uint64) error {
	*cycles = 1
	pcWritten := false
	thisPC := c.PC

	regs := c.Regs
	dst := register.Index(d.Dst)
	a := register.Index(d.A)
	b := register.Index(d.B)

	switch d.Kind {

	// ---- Mode 0: system/misc ----
	case instruction.KindNop:
		// no effect

	case instruction.KindHlt:
		c.ExitCode = regs.Get(a)
		*stop = true
		pcWritten = true

	case instruction.KindPr:
		if err := c.writeText(m, regs.Get(a), regs.Get(b), c.Stdout); err != nil {
			return err
		}

	case instruction.KindEpr:
		if err := c.writeText(m, regs.Get(a), regs.Get(b), c.Stderr); err != nil {
			return err
		}

	case instruction.KindTme:
		ns := uint64(time.Now().UnixNano())
		regs.Set(a, uint32(ns))
		regs.Set(b, uint32(ns>>32))
		regs.Set(register.Index(d.C), 0)
		regs.Set(register.Index(d.D), 0)

	case instruction.KindRdpc:
		regs.Set(dst, thisPC)

	case instruction.KindKbrd:
		return &emuerr.UnsupportedError{Mnemonic: "kbrd"}

	case instruction.KindSetgfx:
		c.Gfx = operandA(regs, d)

	case instruction.KindDraw:
		return &emuerr.UnsupportedError{Mnemonic: "draw"}

	case instruction.KindSlp:
		var durationUs uint64
		if d.HasImm {
			durationUs = uint64(d.Imm)
		} else {
			durationUs = uint64(regs.Get(a))<<32 | uint64(regs.Get(b))
		}
		if c.SteadyClock {
			*cycles = durationUs / uint64(pacingFreq/time.Microsecond)
			if *cycles == 0 {
				*cycles = 1
			}
		} else {
			time.Sleep(time.Duration(durationUs) * time.Microsecond)
		}

	case instruction.KindRdclk:
		regs.Set(a, uint32(c.Clk))
		regs.Set(b, uint32(c.Clk>>32))

	// ---- Mode 0: memory sub-range ----
	case instruction.KindLd:
		addrv := operandA(regs, d)
		v, err := m.Read32(addrv)
		if err != nil {
			return err
		}
		regs.Set(dst, v)

	case instruction.KindLdw:
		addrv := operandA(regs, d)
		v, err := m.Read16(addrv)
		if err != nil {
			return err
		}
		regs.Set(dst, uint32(v))

	case instruction.KindLdb:
		addrv := operandA(regs, d)
		v, err := m.Read8(addrv)
		if err != nil {
			return err
		}
		regs.Set(dst, uint32(v))

	case instruction.KindPld, instruction.KindPldw, instruction.KindPldb:
		return &emuerr.UnsupportedError{Mnemonic: d.Kind.String()}

	case instruction.KindStr:
		addrv := regs.Get(dst)
		if err := m.Write32(addrv, operandA(regs, d)); err != nil {
			return err
		}

	case instruction.KindStrw:
		addrv := regs.Get(dst)
		if err := m.Write16(addrv, uint16(operandA(regs, d))); err != nil {
			return err
		}

	case instruction.KindStrb:
		addrv := regs.Get(dst)
		if err := m.Write8(addrv, byte(operandA(regs, d))); err != nil {
			return err
		}

	case instruction.KindPstr, instruction.KindPstrw, instruction.KindPstrb:
		return &emuerr.UnsupportedError{Mnemonic: d.Kind.String()}

	// ---- Mode 1: ALU ----
	case instruction.KindNand:
		regs.Set(dst, ^(regs.Get(a) & operandB(regs, d)))
	case instruction.KindOr:
		regs.Set(dst, regs.Get(a)|operandB(regs, d))
	case instruction.KindAnd:
		regs.Set(dst, regs.Get(a)&operandB(regs, d))
	case instruction.KindNor:
		regs.Set(dst, ^(regs.Get(a) | operandB(regs, d)))
	case instruction.KindAdd:
		regs.Set(dst, regs.Get(a)+operandB(regs, d))
	case instruction.KindSub:
		regs.Set(dst, regs.Get(a)-operandB(regs, d))
	case instruction.KindXor:
		regs.Set(dst, regs.Get(a)^operandB(regs, d))
	case instruction.KindLsl:
		regs.Set(dst, regs.Get(a)<<(operandB(regs, d)&0x1F))
	case instruction.KindLsr:
		regs.Set(dst, regs.Get(a)>>(operandB(regs, d)&0x1F))
	case instruction.KindMul:
		regs.Set(dst, regs.Get(a)*operandB(regs, d))
	case instruction.KindImul:
		regs.Set(dst, uint32(int32(regs.Get(a))*int32(operandB(regs, d))))
	case instruction.KindDiv:
		v, err := divU(regs.Get(a), operandB(regs, d))
		if err != nil {
			return err
		}
		regs.Set(dst, v)
	case instruction.KindIdiv:
		v, err := divS(int32(regs.Get(a)), int32(operandB(regs, d)))
		if err != nil {
			return err
		}
		regs.Set(dst, uint32(v))
	case instruction.KindRem:
		v, err := remU(regs.Get(a), operandB(regs, d))
		if err != nil {
			return err
		}
		regs.Set(dst, v)
	case instruction.KindIrem:
		v, err := remS(int32(regs.Get(a)), int32(operandB(regs, d)))
		if err != nil {
			return err
		}
		regs.Set(dst, uint32(v))
	case instruction.KindMov:
		regs.Set(dst, operandA(regs, d))
	case instruction.KindInc:
		regs.Set(dst, regs.Get(a)+1)
	case instruction.KindDec:
		regs.Set(dst, regs.Get(a)-1)
	case instruction.KindSe:
		regs.Set(dst, boolToWord(regs.Get(a) == operandB(regs, d)))
	case instruction.KindSne:
		regs.Set(dst, boolToWord(regs.Get(a) != operandB(regs, d)))
	case instruction.KindSl:
		regs.Set(dst, boolToWord(int32(regs.Get(a)) < int32(operandB(regs, d))))
	case instruction.KindSle:
		regs.Set(dst, boolToWord(int32(regs.Get(a)) <= int32(operandB(regs, d))))
	case instruction.KindSg:
		regs.Set(dst, boolToWord(int32(regs.Get(a)) > int32(operandB(regs, d))))
	case instruction.KindSge:
		regs.Set(dst, boolToWord(int32(regs.Get(a)) >= int32(operandB(regs, d))))
	case instruction.KindAsr:
		regs.Set(dst, uint32(int32(regs.Get(a))>>(operandB(regs, d)&0x1F)))

	// ---- Mode 2: conditional jumps ----
	case instruction.KindJmp:
		c.PC = jumpTarget(regs, d)
		pcWritten = true
	case instruction.KindJe:
		pcWritten = c.maybeJump(d, regs.Get(a) == regs.Get(b))
	case instruction.KindJne:
		pcWritten = c.maybeJump(d, regs.Get(a) != regs.Get(b))
	case instruction.KindJl:
		pcWritten = c.maybeJump(d, int32(regs.Get(a)) < int32(regs.Get(b)))
	case instruction.KindJge:
		pcWritten = c.maybeJump(d, int32(regs.Get(a)) >= int32(regs.Get(b)))
	case instruction.KindJle:
		pcWritten = c.maybeJump(d, int32(regs.Get(a)) <= int32(regs.Get(b)))
	case instruction.KindJg:
		pcWritten = c.maybeJump(d, int32(regs.Get(a)) > int32(regs.Get(b)))
	case instruction.KindJb:
		pcWritten = c.maybeJump(d, regs.Get(a) < regs.Get(b))
	case instruction.KindJae:
		pcWritten = c.maybeJump(d, regs.Get(a) >= regs.Get(b))
	case instruction.KindJbe:
		pcWritten = c.maybeJump(d, regs.Get(a) <= regs.Get(b))
	case instruction.KindJa:
		pcWritten = c.maybeJump(d, regs.Get(a) > regs.Get(b))

	// ---- Mode 3: stack ----
	case instruction.KindPush:
		*cycles = 2
		if err := c.push(m, thisPC, regs.Get(a)); err != nil {
			return err
		}
	case instruction.KindPop:
		*cycles = 2
		v, err := c.pop(m, regs.Get(register.Sp))
		if err != nil {
			return err
		}
		regs.Set(dst, v)
	case instruction.KindCall:
		*cycles = 3
		if err := c.push(m, thisPC, regs.Get(register.Ra)); err != nil {
			return err
		}
		regs.Set(register.Ra, thisPC+d.Size())
		c.PC = jumpTarget(regs, d)
		pcWritten = true
	case instruction.KindRet:
		*cycles = 2
		c.PC = regs.Get(register.Ra)
		ra, err := c.pop(m, regs.Get(register.Sp))
		if err != nil {
			return err
		}
		regs.Set(register.Ra, ra)
		pcWritten = true

	default:
		return &emuerr.UnknownInstructionError{}
	}

	if !pcWritten {
		c.PC = thisPC + d.Size()
	}
	return nil
}

func (c *CPU) maybeJump(d instruction.Decoded, taken bool) bool {
	if taken {
		c.PC = jumpTarget(c.Regs, d)
	}
	return taken
}

// push implements Push's sp/memory mutation, shared with Call.
func (c *CPU) push(m *mmu.MMU, pc uint32, v uint32) error {
	sp := c.Regs.Get(register.Sp)
	if sp < 4 {
		return &emuerr.StackOverflowError{PC: pc}
	}
	newSP := sp - 4
	if err := m.CheckProt(addr.FromInclusive(newSP, newSP+3), emuerr.Write); err != nil {
		return err
	}
	if err := m.Write32Unchecked(newSP, v); err != nil {
		return err
	}
	c.Regs.Set(register.Sp, newSP)
	return nil
}

// pop implements Pop's sp/memory mutation, shared with Ret.
func (c *CPU) pop(m *mmu.MMU, sp uint32) (uint32, error) {
	if sp > 0xFFFFFFFF-4 {
		return 0, &emuerr.StackUnderflowError{SP: sp}
	}
	if err := m.CheckProt(addr.FromInclusive(sp, sp+3), emuerr.Read); err != nil {
		return 0, err
	}
	v, err := m.Read32Unchecked(sp)
	if err != nil {
		return 0, err
	}
	c.Regs.Set(register.Sp, sp+4)
	return v, nil
}

// writeText reads bytes [from, to] (inclusive) from m and writes them as
// lossily-decoded UTF-8 to w.
func (c *CPU) writeText(m *mmu.MMU, from, to uint32, w io.Writer) error {
	r := addr.FromInclusive(from, to)
	if err := m.CheckProt(r, emuerr.Read); err != nil {
		return err
	}
	buf, err := m.Memcpy(from, int(r.Len()))
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, strings.ToValidUTF8(string(buf), "�"))
	return err
}

func boolToWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func divU(dividend, divisor uint32) (uint32, error) {
	if dividend == 0 {
		return 0, nil
	}
	if divisor == 0 {
		return 0, emuerr.ErrDivByZero
	}
	return dividend / divisor, nil
}

func remU(dividend, divisor uint32) (uint32, error) {
	if dividend == 0 {
		return 0, nil
	}
	if divisor == 0 {
		return 0, emuerr.ErrDivByZero
	}
	return dividend % divisor, nil
}

func divS(dividend, divisor int32) (int32, error) {
	if dividend == 0 {
		return 0, nil
	}
	if divisor == 0 {
		return 0, emuerr.ErrDivByZero
	}
	return dividend / divisor, nil
}

func remS(dividend, divisor int32) (int32, error) {
	if dividend == 0 {
		return 0, nil
	}
	if divisor == 0 {
		return 0, emuerr.ErrDivByZero
	}
	return dividend % divisor, nil
}
