//go:build !windows

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// platformHandle owns the mmap'd backing slice on POSIX hosts.
type platformHandle struct {
	data []byte
}

func mapRegion() (platformHandle, []uint32, error) {
	data, err := unix.Mmap(-1, 0, Size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return platformHandle{}, nil, err
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), wordCount)
	return platformHandle{data: data}, words, nil
}

func (h platformHandle) release() error {
	return unix.Munmap(h.data)
}

func (h platformHandle) zeroizeOS() error {
	return unix.Madvise(h.data, unix.MADV_DONTNEED)
}
