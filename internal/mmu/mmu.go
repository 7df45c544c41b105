// Package mmu layers page-granular read/write/execute protection over a
// memory.Region. It owns the page descriptor table; the Region stays
// ignorant of protection entirely.
package mmu

import (
	"math"
	"sync/atomic"

	"github.com/bassosimone/vm32/internal/addr"
	"github.com/bassosimone/vm32/internal/emuerr"
	"github.com/bassosimone/vm32/internal/memory"
)

// checkedRange builds the inclusive range [a, a+size-1] for a protection
// check, first rejecting any address+size combination that would
// overflow the 32-bit address space. Building the range via a+size
// (exclusive) instead would let the addition wrap and silently produce a
// nonsense (and possibly inverted) range.
func checkedRange(a uint32, size uint32) (addr.Range, error) {
	if a > math.MaxUint32-(size-1) {
		return addr.Range{}, emuerr.ErrOverflow
	}
	return addr.FromInclusive(a, a+size-1), nil
}

// PageSize is the protection granularity (4 KiB). 2^32 is an exact
// multiple of it, giving PageCount pages.
const PageSize = 4096

// PageCount is the number of page descriptors (2^20).
const PageCount = memory.Size / PageSize

// MMU wraps a memory.Region with a page descriptor table.
type MMU struct {
	mem   *memory.Region
	pages [PageCount]atomic.Uint32 // low 3 bits hold the emuerr.Prot mask
}

// New creates an MMU over a freshly reserved memory region.
func New() (*MMU, error) {
	mem, err := memory.New()
	if err != nil {
		return nil, err
	}
	return &MMU{mem: mem}, nil
}

// Close releases the underlying memory region.
func (m *MMU) Close() error { return m.mem.Close() }

func pageIndex(a uint32) uint32 { return a / PageSize }

// Prot returns the protection mask of the page containing addr.
func (m *MMU) Prot(a uint32) emuerr.Prot {
	return emuerr.Prot(m.pages[pageIndex(a)].Load())
}

// SetProt overwrites the mask on every page covered by any byte of r.
func (m *MMU) SetProt(r addr.Range, mask emuerr.Prot) {
	r.Pages(PageSize, func(p uint32) {
		m.pages[p].Store(uint32(mask))
	})
}

// CheckProt returns a PageFault carrying the bits of required that are
// missing from some page in r, or nil if every page in r has every bit
// of required.
func (m *MMU) CheckProt(r addr.Range, required emuerr.Prot) error {
	var missing emuerr.Prot
	var found bool
	r.Pages(PageSize, func(p uint32) {
		if found {
			return
		}
		have := emuerr.Prot(m.pages[p].Load())
		if want := required &^ have; want != 0 {
			missing = want
			found = true
		}
	})
	if found {
		return emuerr.NewPageFault(missing)
	}
	return nil
}

// Read8 checks Read on the page containing a, then delegates to Memory.
func (m *MMU) Read8(a uint32) (byte, error) {
	if err := m.CheckProt(addr.Of(a), emuerr.Read); err != nil {
		return 0, err
	}
	return m.mem.Read8(a)
}

// Read16 checks Read on the page containing a, then delegates to Memory.
func (m *MMU) Read16(a uint32) (uint16, error) {
	r, err := checkedRange(a, 2)
	if err != nil {
		return 0, err
	}
	if err := m.CheckProt(r, emuerr.Read); err != nil {
		return 0, err
	}
	return m.mem.Read16(a)
}

// Read32 checks Read on the page containing a, then delegates to Memory.
func (m *MMU) Read32(a uint32) (uint32, error) {
	r, err := checkedRange(a, 4)
	if err != nil {
		return 0, err
	}
	if err := m.CheckProt(r, emuerr.Read); err != nil {
		return 0, err
	}
	return m.mem.Read32(a)
}

// Write8 checks Write on the page containing a, then delegates to Memory.
func (m *MMU) Write8(a uint32, v byte) error {
	if err := m.CheckProt(addr.Of(a), emuerr.Write); err != nil {
		return err
	}
	return m.mem.Write8(a, v)
}

// Write16 checks Write on the page containing a, then delegates to Memory.
func (m *MMU) Write16(a uint32, v uint16) error {
	r, err := checkedRange(a, 2)
	if err != nil {
		return err
	}
	if err := m.CheckProt(r, emuerr.Write); err != nil {
		return err
	}
	return m.mem.Write16(a, v)
}

// Write32 checks Write on the page containing a, then delegates to Memory.
func (m *MMU) Write32(a uint32, v uint32) error {
	r, err := checkedRange(a, 4)
	if err != nil {
		return err
	}
	if err := m.CheckProt(r, emuerr.Write); err != nil {
		return err
	}
	return m.mem.Write32(a, v)
}

// Read8Unchecked reads without a protection check, for internal
// bookkeeping (e.g. stack manipulation after an explicit CheckProt, or
// the monitor reading VRAM).
func (m *MMU) Read8Unchecked(a uint32) (byte, error) { return m.mem.Read8(a) }

// Read16Unchecked reads without a protection check.
func (m *MMU) Read16Unchecked(a uint32) (uint16, error) { return m.mem.Read16(a) }

// Read32Unchecked reads without a protection check.
func (m *MMU) Read32Unchecked(a uint32) (uint32, error) { return m.mem.Read32(a) }

// Write8Unchecked writes without a protection check.
func (m *MMU) Write8Unchecked(a uint32, v byte) error { return m.mem.Write8(a, v) }

// Write16Unchecked writes without a protection check.
func (m *MMU) Write16Unchecked(a uint32, v uint16) error { return m.mem.Write16(a, v) }

// Write32Unchecked writes without a protection check.
func (m *MMU) Write32Unchecked(a uint32, v uint32) error { return m.mem.Write32(a, v) }

// Memcpy delegates to Memory with no protection check; callers that need
// one must call CheckProt first.
func (m *MMU) Memcpy(a uint32, length int) ([]byte, error) { return m.mem.Memcpy(a, length) }

// Memwrite delegates to Memory with no protection check.
func (m *MMU) Memwrite(a uint32, buf []byte) error { return m.mem.Memwrite(a, buf) }

// Zeroize delegates to Memory. The caller guarantees no view or
// concurrent access exists; page protection is left untouched (callers
// that want a clean protection table too should call ResetProt).
func (m *MMU) Zeroize() error { return m.mem.Zeroize() }

// ResetProt reassigns every page to mask. emulator.WriteProgram uses it
// to mark every page Read|Write before protecting the program prefix.
func (m *MMU) ResetProt(mask emuerr.Prot) {
	for i := range m.pages {
		m.pages[i].Store(uint32(mask))
	}
}
