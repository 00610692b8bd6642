//go:build !windows

package python

import "os/exec"

// hideWindow only matters on Windows, where child consoles would flash up.
func hideWindow(cmd *exec.Cmd) {}
