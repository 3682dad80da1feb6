//go:build windows

package profile

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// processAlive reports whether pid names a running process. When the process
// cannot be queried it is assumed alive, so its directory is kept.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return err == windows.ERROR_ACCESS_DENIED
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return true
	}
	return code == stillActive
}
