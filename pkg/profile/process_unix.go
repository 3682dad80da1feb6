//go:build !windows

package profile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a running process. A process owned
// by another user counts as alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
