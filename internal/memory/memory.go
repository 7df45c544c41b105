// Package memory owns the 4 GiB flat byte-addressable backing store for
// the emulator. It knows nothing about page protection; that is the
// mmu package's job. Memory only knows how to get bytes in and out of a
// single OS-reserved mapping.
package memory

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/bassosimone/vm32/internal/emuerr"
)

// Size is the size, in bytes, of the address space (2^32, 4 GiB).
const Size = 1 << 32

// wordCount is Size expressed in 4-byte words, since bytes are accessed
// through the aligned uint32 word that contains them (Go has no atomic
// byte primitive).
const wordCount = Size / 4

// Region is the sole owner of one 4 GiB OS-reserved mapping. Construct it
// with New and release it with Close once; a Region must not be used
// after Close.
type Region struct {
	words    []uint32
	platform platformHandle
}

// New reserves and commits a fresh 4 GiB region from the host OS.
func New() (*Region, error) {
	h, words, err := mapRegion()
	if err != nil {
		return nil, &emuerr.AllocError{OSCode: err}
	}
	return &Region{words: words, platform: h}, nil
}

// Close releases the OS mapping. The Region must not be used afterwards.
func (r *Region) Close() error {
	if err := r.platform.release(); err != nil {
		return &emuerr.AllocError{OSCode: err}
	}
	return nil
}

func checkOverflow(addr uint32, size uint32) error {
	if addr > math.MaxUint32-(size-1) {
		return emuerr.ErrOverflow
	}
	return nil
}

// loadByte atomically reads the byte at address a via the 4-byte-aligned
// word that contains it.
func (r *Region) loadByte(a uint32) byte {
	idx := a >> 2
	shift := (a & 3) * 8
	w := atomic.LoadUint32(&r.words[idx])
	return byte(w >> shift)
}

// storeByte atomically writes the byte at address a, retrying the
// compare-and-swap against the containing word until it succeeds.
func (r *Region) storeByte(a uint32, v byte) {
	idx := a >> 2
	shift := (a & 3) * 8
	mask := uint32(0xFF) << shift
	for {
		old := atomic.LoadUint32(&r.words[idx])
		next := (old &^ mask) | (uint32(v) << shift)
		if atomic.CompareAndSwapUint32(&r.words[idx], old, next) {
			return
		}
	}
}

// Read8 reads one byte. A single byte access can never overflow.
func (r *Region) Read8(a uint32) (byte, error) {
	return r.loadByte(a), nil
}

// Write8 writes one byte.
func (r *Region) Write8(a uint32, v byte) error {
	r.storeByte(a, v)
	return nil
}

// Read16 reads a little-endian 16-bit integer starting at a.
func (r *Region) Read16(a uint32) (uint16, error) {
	if err := checkOverflow(a, 2); err != nil {
		return 0, err
	}
	var buf [2]byte
	buf[0] = r.loadByte(a)
	buf[1] = r.loadByte(a + 1)
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Write16 writes a little-endian 16-bit integer starting at a.
func (r *Region) Write16(a uint32, v uint16) error {
	if err := checkOverflow(a, 2); err != nil {
		return err
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	r.storeByte(a, buf[0])
	r.storeByte(a+1, buf[1])
	return nil
}

// Read32 reads a little-endian 32-bit integer starting at a.
func (r *Region) Read32(a uint32) (uint32, error) {
	if err := checkOverflow(a, 4); err != nil {
		return 0, err
	}
	var buf [4]byte
	for i := uint32(0); i < 4; i++ {
		buf[i] = r.loadByte(a + i)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 writes a little-endian 32-bit integer starting at a.
func (r *Region) Write32(a uint32, v uint32) error {
	if err := checkOverflow(a, 4); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	for i := uint32(0); i < 4; i++ {
		r.storeByte(a+i, buf[i])
	}
	return nil
}

// Memcpy copies length bytes out of the region starting at a.
func (r *Region) Memcpy(a uint32, length int) ([]byte, error) {
	if length < 0 {
		return nil, emuerr.ErrOverflow
	}
	if length == 0 {
		return nil, nil
	}
	if err := checkOverflow(a, uint32(length)); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = r.loadByte(a + uint32(i))
	}
	return out, nil
}

// Memwrite copies buf into the region starting at a.
func (r *Region) Memwrite(a uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := checkOverflow(a, uint32(len(buf))); err != nil {
		return err
	}
	for i, b := range buf {
		r.storeByte(a+uint32(i), b)
	}
	return nil
}

// Zeroize resets every byte in the region to zero via the OS (decommit
// plus recommit on Windows, MADV_DONTNEED on Unix), never materialising
// a 4 GiB write loop. The caller guarantees no concurrent access exists.
func (r *Region) Zeroize() error {
	if err := r.platform.zeroizeOS(); err != nil {
		return &emuerr.AllocError{OSCode: err}
	}
	return nil
}
