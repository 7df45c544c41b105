//go:build windows

package memory

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// platformHandle owns the VirtualAlloc'd base address on Windows hosts.
type platformHandle struct {
	addr uintptr
}

func mapRegion() (platformHandle, []uint32, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(Size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return platformHandle{}, nil, err
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(addr)), wordCount)
	return platformHandle{addr: addr}, words, nil
}

func (h platformHandle) release() error {
	return windows.VirtualFree(h.addr, 0, windows.MEM_RELEASE)
}

// zeroizeOS decommits then recommits the whole mapping, matching the
// spec's "decommit+recommit on Windows" reset strategy.
func (h platformHandle) zeroizeOS() error {
	if err := windows.VirtualFree(h.addr, uintptr(Size), windows.MEM_DECOMMIT); err != nil {
		return err
	}
	_, err := windows.VirtualAlloc(h.addr, uintptr(Size), windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}
