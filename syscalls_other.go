//go:build !unix && !windows

package perftramp

import "os"

type sysMapper struct{}

func (sysMapper) Map(int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (sysMapper) Protect([]byte) error {
	return ErrUnsupported
}

func (sysMapper) Unmap([]byte) error {
	return ErrUnsupported
}

func pageSize() int {
	return os.Getpagesize()
}
