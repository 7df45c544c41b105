// Package register implements the 32-slot fixed-role register file.
package register

// Index names the 32 fixed-role register slots.
const (
	Zr Index = iota
	Ra
	Sp
	Gp
	Tp
	T0
	T1
	T2
	T3
	T4
	T5
	T6
	S0
	S1
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
)

// Count is the number of registers.
const Count = 32

// Index is a register index, 0..=31.
type Index uint8

// names mirrors the role table in spec.md §4.5.
var names = [Count]string{
	"zr", "ra", "sp", "gp", "tp",
	"t0", "t1", "t2", "t3", "t4", "t5", "t6",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
	"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
}

// String returns the register's ABI name (e.g. "sp", "t0").
func (i Index) String() string {
	if int(i) < len(names) {
		return names[i]
	}
	return "?"
}

// File is the 32x32-bit register file. Register 0 (zr) always reads
// zero and silently ignores writes.
type File struct {
	slots [Count]uint32
}

// NewFile returns a register file with sp initialised to the top of the
// address space (2^32 - 1), stack grows downward.
func NewFile() *File {
	f := &File{}
	f.slots[Sp] = 0xFFFFFFFF
	return f
}

// Get reads register i.
func (f *File) Get(i Index) uint32 {
	return f.slots[i&0x1F]
}

// Set writes v to register i. Writes to zr are silently ignored.
func (f *File) Set(i Index, v uint32) {
	i &= 0x1F
	if i == Zr {
		return
	}
	f.slots[i] = v
}
