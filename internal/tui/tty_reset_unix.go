//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY puts the controlling terminal back into a sane line
// mode in case bubbletea exited without restoring it. Every failure path
// just returns; the user can still run `reset` manually.
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer tty.Close()

	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}
