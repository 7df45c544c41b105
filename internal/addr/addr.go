// Package addr defines the uniform inclusive address range type accepted
// by every bulk MMU operation.
//
// Go has no range-literal overloading, so the distilled spec's "accepted
// from a..=a / s..e / s..=e / ..e / s.. / .." surface becomes a set of
// named constructors, each producing the same Range value.
package addr

import (
	"fmt"
	"math"
)

// Max is the highest addressable byte (2^32 - 1).
const Max = math.MaxUint32

// Range is an inclusive [Start, End] byte range over the 4 GiB address
// space. Start and End are both valid addresses; End >= Start holds
// for every non-empty Range. FromExclusive's empty case is the one
// deliberate exception — see Valid.
type Range struct {
	Start uint32
	End   uint32
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%08x..=0x%08x]", r.Start, r.End)
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() uint64 {
	return uint64(r.End) - uint64(r.Start) + 1
}

// Of builds a single-address range a..=a.
func Of(a uint32) Range { return Range{Start: a, End: a} }

// FromExclusive builds s..=e-1. Any e<=s denotes an empty range, which
// this inclusive type has no zero-length form for, so it saturates to a
// canonical invalid Range (End < Start) instead of underflowing e-1.
// Valid reports false for it, and Pages treats it as covering no bytes.
func FromExclusive(s, e uint32) Range {
	if e <= s {
		return Range{Start: 1, End: 0}
	}
	return Range{Start: s, End: e - 1}
}

// FromInclusive builds s..=e directly.
func FromInclusive(s, e uint32) Range { return Range{Start: s, End: e} }

// UpTo builds the left-open range ..e, i.e. 0..=e-1.
func UpTo(e uint32) Range { return FromExclusive(0, e) }

// From builds the right-open range s.., i.e. s..=Max.
func From(s uint32) Range { return Range{Start: s, End: Max} }

// All builds the full range .., i.e. 0..=Max.
func All() Range { return Range{Start: 0, End: Max} }

// Valid reports whether End >= Start, as every Range produced by a
// well-formed caller must satisfy.
func (r Range) Valid() bool { return r.End >= r.Start }

// Contains reports whether a falls within the range.
func (r Range) Contains(a uint32) bool { return a >= r.Start && a <= r.End }

// PageStart returns the address of the first page (pageSize-aligned)
// covering the range.
func (r Range) PageStart(pageSize uint32) uint32 {
	return r.Start - (r.Start % pageSize)
}

// Pages invokes fn once for every page index [0, 2^20) touched by any
// byte in the range, in ascending order. pageSize must be a power of two
// that evenly divides 2^32 (4096, per the spec).
func (r Range) Pages(pageSize uint32, fn func(pageIndex uint32)) {
	if !r.Valid() {
		return
	}
	first := r.Start / pageSize
	last := r.End / pageSize
	for p := first; ; p++ {
		fn(p)
		if p == last {
			break
		}
	}
}
