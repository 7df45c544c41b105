package emulator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/emulator"
	"github.com/bassosimone/vm32/internal/instruction"
	"github.com/bassosimone/vm32/internal/register"
	"github.com/stretchr/testify/require"
)

var lock sync.Mutex

func withEmulator(t *testing.T, fn func(e *emulator.Emulator)) {
	t.Helper()
	lock.Lock()
	defer lock.Unlock()
	e, err := emulator.New()
	require.NoError(t, err)
	defer e.Close()
	fn(e)
}

func assembleForTest(t *testing.T, instrs ...instruction.Decoded) []byte {
	t.Helper()
	var out []byte
	for _, d := range instrs {
		b, err := instruction.Encode(d)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestRunReturnsExitCodeFromHlt(t *testing.T) {
	withEmulator(t, func(e *emulator.Emulator) {
		image := assembleForTest(t,
			instruction.Decoded{Kind: instruction.KindMov, Dst: uint8(register.T0), HasImm: true, Imm: 5},
			instruction.Decoded{Kind: instruction.KindMov, Dst: uint8(register.T1), A: uint8(register.T0)},
			instruction.Decoded{Kind: instruction.KindHlt, A: uint8(register.T1)},
		)
		require.NoError(t, e.WriteProgram(image))

		res := e.Run(emulator.RunOptions{})
		require.NoError(t, res.Err)
		require.Equal(t, uint32(5), res.ExitCode)
		require.Equal(t, uint64(3), res.Cycles)
	})
}

func TestRunFaultsOnExecuteOutsideProgramPrefix(t *testing.T) {
	withEmulator(t, func(e *emulator.Emulator) {
		image := assembleForTest(t, instruction.Decoded{Kind: instruction.KindNop})
		require.NoError(t, e.WriteProgram(image))
		e.CPU.PC = 0x10000
		res := e.Run(emulator.RunOptions{})
		var pf *emuerr.PageFaultError
		require.ErrorAs(t, res.Err, &pf)
		require.Equal(t, emuerr.Execute, pf.Missing)
	})
}

func TestRunPropagatesUnknownInstruction(t *testing.T) {
	withEmulator(t, func(e *emulator.Emulator) {
		require.NoError(t, e.WriteProgram([]byte{0xFF, 0xFF, 0, 0}))
		res := e.Run(emulator.RunOptions{})
		require.ErrorIs(t, res.Err, emuerr.ErrUnknownInstruction)
	})
}

func TestRunStopsImmediatelyOnCancelledContext(t *testing.T) {
	withEmulator(t, func(e *emulator.Emulator) {
		image := assembleForTest(t, instruction.Decoded{Kind: instruction.KindNop})
		require.NoError(t, e.WriteProgram(image))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		defer cancel()
		res := e.Run(emulator.RunOptions{Context: ctx})
		require.Error(t, res.Err)
	})
}
