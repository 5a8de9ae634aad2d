//go:build windows

package cleanup

import (
	"os"
	"os/exec"
	"strconv"
)

// killTree shells out to taskkill /T /F, Windows's own process-tree
// terminator, since there is no setpgid/kill(-pid) equivalent.
func killTree(pid int) error {
	cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	return cmd.Run()
}

// processAlive reports whether pid can still be found; os.FindProcess
// always succeeds on Windows, so a Signal(0)-style probe isn't
// available and we instead treat taskkill's own idempotence as the
// guard against double-kill errors.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
