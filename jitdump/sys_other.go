//go:build !linux

package jitdump

import (
	"os"
	"time"
)

func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
}

var start = time.Now()

// Only perf on Linux reads jitdump files, so any monotonic reading will do.
func timestamp() uint64 {
	return uint64(time.Since(start))
}

func gettid() uint32 {
	return 0
}

func mapMarker(*os.File) ([]byte, error) {
	return nil, nil
}

func unmapMarker([]byte) error {
	return nil
}
