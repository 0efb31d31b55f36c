//go:build windows

package perftramp

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type sysMapper struct{}

func (sysMapper) Map(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (sysMapper) Protect(buf []byte) error {
	var oldFlags uint32
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return windows.VirtualProtect(addr, uintptr(len(buf)), windows.PAGE_EXECUTE_READ, &oldFlags)
}

func (sysMapper) Unmap(buf []byte) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func pageSize() int {
	return windows.Getpagesize()
}
