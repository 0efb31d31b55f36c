//go:build unix

package perftramp

import (
	"golang.org/x/sys/unix"
)

const (
	protRW = unix.PROT_READ | unix.PROT_WRITE
	protRX = unix.PROT_READ | unix.PROT_EXEC
)

// sysMapper maps anonymous private memory. Arenas are never writable and
// executable at the same time.
type sysMapper struct{}

func (sysMapper) Map(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, protRW, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (sysMapper) Protect(buf []byte) error {
	return unix.Mprotect(buf, protRX)
}

func (sysMapper) Unmap(buf []byte) error {
	return unix.Munmap(buf)
}

func pageSize() int {
	return unix.Getpagesize()
}
