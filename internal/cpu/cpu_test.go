package cpu_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/bassosimone/vm32/internal/addr"
	"github.com/bassosimone/vm32/internal/cpu"
	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/instruction"
	"github.com/bassosimone/vm32/internal/mmu"
	"github.com/bassosimone/vm32/internal/register"
	"github.com/stretchr/testify/require"
)

var lock sync.Mutex

func withCPU(t *testing.T, fn func(c *cpu.CPU, m *mmu.MMU)) {
	t.Helper()
	lock.Lock()
	defer lock.Unlock()
	m, err := mmu.New()
	require.NoError(t, err)
	defer m.Close()
	m.SetProt(addr.All(), emuerr.Read|emuerr.Write|emuerr.Execute)
	c := cpu.New()
	fn(c, m)
}

func TestPCAdvancesByFourForFixedWidthInstruction(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindNop}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(4), c.PC)
		require.False(t, stop)
		require.Equal(t, uint64(1), cycles)
	})
}

func TestPCAdvancesByEightWithImmediate(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindMov, Dst: uint8(register.T0), HasImm: true, Imm: 42}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(8), c.PC)
		require.Equal(t, uint32(42), c.Regs.Get(register.T0))
	})
}

func TestHltStopsWithoutAdvancingPC(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		var stop bool
		var cycles uint64
		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindHlt}, m, &stop, &cycles))
		require.True(t, stop)
		require.Equal(t, uint32(0), c.PC)
		require.Equal(t, uint32(0), c.ExitCode)
	})
}

func TestHltCapturesExitCodeFromOperandRegister(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T1, 5)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindHlt, A: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.True(t, stop)
		require.Equal(t, uint32(5), c.ExitCode)
	})
}

func TestTmeWritesTimestampAndZeroesAuxiliaryRegisters(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T2, 0xAAAAAAAA)
		c.Regs.Set(register.T3, 0xBBBBBBBB)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{
			Kind: instruction.KindTme,
			A:    uint8(register.T0), B: uint8(register.T1),
			C: uint8(register.T2), D: uint8(register.T3),
		}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.NotZero(t, c.Regs.Get(register.T0))
		require.Zero(t, c.Regs.Get(register.T2))
		require.Zero(t, c.Regs.Get(register.T3))
	})
}

func TestAddWritesDestination(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, 10)
		c.Regs.Set(register.T1, 32)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindAdd, Dst: uint8(register.T2), A: uint8(register.T0), B: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(42), c.Regs.Get(register.T2))
	})
}

func TestDivZeroDividendReturnsZeroWithoutError(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, 0)
		c.Regs.Set(register.T1, 0)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindDiv, Dst: uint8(register.T2), A: uint8(register.T0), B: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0), c.Regs.Get(register.T2))
	})
}

func TestDivByZeroWithNonzeroDividendErrors(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, 7)
		c.Regs.Set(register.T1, 0)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindDiv, Dst: uint8(register.T2), A: uint8(register.T0), B: uint8(register.T1)}
		err := c.Step(d, m, &stop, &cycles)
		require.ErrorIs(t, err, emuerr.ErrDivByZero)
	})
}

func TestIdivSignedDivision(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, uint32(int32(-10)))
		c.Regs.Set(register.T1, 3)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindIdiv, Dst: uint8(register.T2), A: uint8(register.T0), B: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, int32(-3), int32(c.Regs.Get(register.T2)))
	})
}

func TestSlSignedComparison(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, uint32(int32(-1)))
		c.Regs.Set(register.T1, 1)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindSl, Dst: uint8(register.T2), A: uint8(register.T0), B: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(1), c.Regs.Get(register.T2))
	})
}

func TestJbUnsignedComparisonTreatsNegativeAsLarge(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, uint32(int32(-1)))
		c.Regs.Set(register.T1, 1)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindJb, A: uint8(register.T0), B: uint8(register.T1), HasImm: true, Imm: 0x100}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(8), c.PC) // -1 is not < 1 unsigned, so not taken
	})
}

func TestJmpSetsAbsolutePC(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindJmp, HasImm: true, Imm: 0x4000}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0x4000), c.PC)
	})
}

func TestJeTakenWhenEqual(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, 5)
		c.Regs.Set(register.T1, 5)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindJe, A: uint8(register.T0), B: uint8(register.T1), HasImm: true, Imm: 0x100}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0x100), c.PC)
	})
}

func TestPushPopIsLIFO(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.T0, 111)
		c.Regs.Set(register.T1, 222)
		var stop bool
		var cycles uint64
		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindPush, A: uint8(register.T0)}, m, &stop, &cycles))
		require.Equal(t, uint64(2), cycles)
		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindPush, A: uint8(register.T1)}, m, &stop, &cycles))

		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindPop, Dst: uint8(register.T2)}, m, &stop, &cycles))
		require.Equal(t, uint32(222), c.Regs.Get(register.T2))
		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindPop, Dst: uint8(register.T3)}, m, &stop, &cycles))
		require.Equal(t, uint32(111), c.Regs.Get(register.T3))
	})
}

func TestCallRetRoundTripRestoresPCAndRa(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.Ra, 0xAAAAAAAA)
		var stop bool
		var cycles uint64

		callSite := c.PC
		d := instruction.Decoded{Kind: instruction.KindCall, HasImm: true, Imm: 0x8000}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint64(3), cycles)
		require.Equal(t, uint32(0x8000), c.PC)
		require.Equal(t, callSite+8, c.Regs.Get(register.Ra))

		require.NoError(t, c.Step(instruction.Decoded{Kind: instruction.KindRet}, m, &stop, &cycles))
		require.Equal(t, uint64(2), cycles)
		require.Equal(t, callSite+8, c.PC)
		require.Equal(t, uint32(0xAAAAAAAA), c.Regs.Get(register.Ra))
	})
}

func TestPushNearBottomOfAddressSpaceOverflows(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.Regs.Set(register.Sp, 2)
		var stop bool
		var cycles uint64
		err := c.Step(instruction.Decoded{Kind: instruction.KindPush, A: uint8(register.T0)}, m, &stop, &cycles)
		require.ErrorIs(t, err, emuerr.ErrStackOverflow)
	})
}

func TestLdReadsLittleEndianWord(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		require.NoError(t, m.Write32(0x2000, 0xCAFEBABE))
		c.Regs.Set(register.T0, 0x2000)
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindLd, Dst: uint8(register.T1), A: uint8(register.T0)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0xCAFEBABE), c.Regs.Get(register.T1))
	})
}

func TestPrWritesToStdout(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		require.NoError(t, m.Memwrite(0x3000, []byte("hi")))
		c.Regs.Set(register.T0, 0x3000)
		c.Regs.Set(register.T1, 0x3001)
		var buf strings.Builder
		c.Stdout = &buf
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindPr, A: uint8(register.T0), B: uint8(register.T1)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, "hi", buf.String())
	})
}

func TestRdpcReadsCurrentInstructionAddress(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		c.PC = 0x100
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindRdpc, Dst: uint8(register.T0)}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0x100), c.Regs.Get(register.T0))
		require.Equal(t, uint32(0x104), c.PC)
	})
}

func TestZrDestinationDiscardsWrite(t *testing.T) {
	withCPU(t, func(c *cpu.CPU, m *mmu.MMU) {
		var stop bool
		var cycles uint64
		d := instruction.Decoded{Kind: instruction.KindMov, Dst: uint8(register.Zr), HasImm: true, Imm: 99}
		require.NoError(t, c.Step(d, m, &stop, &cycles))
		require.Equal(t, uint32(0), c.Regs.Get(register.Zr))
	})
}
