// Package emulator implements the fetch-check-execute driver loop that
// owns a cpu.CPU and an mmu.MMU, with optional tracing and real-time
// pacing.
package emulator

import (
	"context"
	"os"
	"time"

	"github.com/bassosimone/vm32/internal/addr"
	"github.com/bassosimone/vm32/internal/cpu"
	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/instruction"
	"github.com/bassosimone/vm32/internal/mmu"
	"github.com/sirupsen/logrus"
)

// pacingFreq mirrors cpu.pacingFreq: the real-time cost of one cycle
// under steady-clock pacing.
const pacingFreq = 5 * time.Microsecond

// RunOptions controls a single Run call.
type RunOptions struct {
	// Trace enables per-instruction tracing at logrus.TraceLevel. When
	// false the driver never calls Logger.Tracef, so the decode-to-
	// string formatting path is never paid.
	Trace bool

	// SteadyClock enables the busy-spin pacing described in §4.7: after
	// each instruction the driver waits until FREQ*cycles has elapsed
	// since the instruction began, spinning on a high-resolution timer.
	SteadyClock bool

	// Logger receives trace and fault records. Defaults to
	// logrus.StandardLogger() when nil.
	Logger *logrus.Logger

	// Context, if non-nil, is checked once per fetch-check-execute
	// iteration (never mid-instruction) and stops the run early with
	// ctx.Err() if cancelled.
	Context context.Context
}

// Result is what Run returns: the final pc, the exit-code convention's
// register value, total cycles executed, and the terminating error
// (nil on a clean Hlt).
type Result struct {
	PC       uint32
	ExitCode uint32
	Cycles   uint64
	Err      error
}

// Emulator owns the CPU and MMU and drives the fetch-check-execute loop.
type Emulator struct {
	CPU *cpu.CPU
	MMU *mmu.MMU
}

// New creates an Emulator over a freshly reserved 4 GiB memory region.
func New() (*Emulator, error) {
	m, err := mmu.New()
	if err != nil {
		return nil, err
	}
	return &Emulator{CPU: cpu.New(), MMU: m}, nil
}

// Close releases the underlying memory region.
func (e *Emulator) Close() error { return e.MMU.Close() }

// WriteProgram writes image at address 0, marks the page-aligned prefix
// it occupies Read|Execute, and marks every remaining page Read|Write.
func (e *Emulator) WriteProgram(image []byte) error {
	if err := e.MMU.Memwrite(0, image); err != nil {
		return err
	}
	prefixPages := (uint32(len(image)) + mmu.PageSize - 1) / mmu.PageSize
	prefixEnd := prefixPages * mmu.PageSize
	e.MMU.ResetProt(emuerr.Read | emuerr.Write)
	if prefixEnd > 0 {
		e.MMU.SetProt(addr.FromInclusive(0, prefixEnd-1), emuerr.Read|emuerr.Execute)
	}
	return nil
}

// EnvTraceEnabled reports whether EMU_LOG=trace is set, the convention
// RunOptions.Trace is normally derived from at the front-end layer.
func EnvTraceEnabled() bool {
	return os.Getenv("EMU_LOG") == "trace"
}

// Run executes instructions until Hlt or an error. It fetches 8 bytes
// at pc (even for a 4-byte instruction, since the trailing bytes may
// belong to the next one), checks Execute protection, decodes,
// optionally traces, dispatches through cpu.Step, optionally paces to a
// steady clock, and advances the cycle counter.
func (e *Emulator) Run(opts RunOptions) Result {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e.CPU.SteadyClock = opts.SteadyClock

	var cycles uint64
	for {
		if opts.Context != nil {
			if err := opts.Context.Err(); err != nil {
				return Result{PC: e.CPU.PC, ExitCode: e.CPU.ExitCode, Cycles: cycles, Err: err}
			}
		}

		pc := e.CPU.PC
		buf, err := e.fetch(pc)
		if err != nil {
			return Result{PC: pc, Cycles: cycles, Err: withPC(err, pc)}
		}

		if err := e.MMU.CheckProt(addr.Of(pc), emuerr.Execute); err != nil {
			return Result{PC: pc, Cycles: cycles, Err: withPC(err, pc)}
		}

		d, _, err := instruction.Decode(buf)
		if err != nil {
			return Result{PC: pc, Cycles: cycles, Err: withPC(err, pc)}
		}

		if opts.Trace {
			logger.Tracef("0x%08x: %s", pc, d.String())
		}

		started := time.Now()
		var stop bool
		var instCycles uint64
		if err := e.CPU.Step(d, e.MMU, &stop, &instCycles); err != nil {
			return Result{PC: e.CPU.PC, Cycles: cycles, Err: withPC(err, pc)}
		}

		if stop {
			cycles += instCycles
			return Result{PC: e.CPU.PC, ExitCode: e.CPU.ExitCode, Cycles: cycles, Err: nil}
		}

		if opts.SteadyClock {
			pace(started, instCycles)
		}

		cycles += instCycles
		e.CPU.Clk = cycles
	}
}

// fetch reads up to 8 bytes at pc without a protection check (the
// Execute check on pc alone is the gate; the extra tail bytes of a
// 4-byte instruction may belong to the next page and are only read,
// never executed, if unused).
func (e *Emulator) fetch(pc uint32) ([]byte, error) {
	n := 8
	if uint64(pc)+8 > 1<<32 {
		n = int(uint64(1<<32) - uint64(pc))
	}
	return e.MMU.Memcpy(pc, n)
}

func withPC(err error, pc uint32) error {
	if pf, ok := err.(*emuerr.PageFaultError); ok {
		return pf.WithPC(pc)
	}
	return err
}

// pace busy-spins until FREQ*cycles has elapsed since started, the
// steady-clock policy from §4.7.
func pace(started time.Time, cycles uint64) {
	target := pacingFreq * time.Duration(cycles)
	for time.Since(started) < target {
		// busy-spin: a high-resolution sleep would oversleep on most
		// platforms, and this loop only runs under explicit
		// steady-clock mode.
	}
}
