//go:build unix

package perfmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// The path is predictable, so refuse to follow a symlink someone else
// planted there.
func createExclusive(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0o600)
}
