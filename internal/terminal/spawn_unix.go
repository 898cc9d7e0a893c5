//go:build !windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// startPTY spawns the command built by newCmd on a fresh pseudo-terminal. The
// shell becomes a session leader with the terminal as its controlling tty;
// platforms that refuse the controlling tty get a second attempt without it.
func startPTY(newCmd func() *exec.Cmd, cols, rows uint16) (*exec.Cmd, *os.File, error) {
	cmd := newCmd()
	ptmx, err := openPTY(cmd, cols, rows, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		cmd = newCmd()
		ptmx, err = openPTY(cmd, cols, rows, false)
	}
	if err != nil {
		return nil, nil, err
	}
	return cmd, ptmx, nil
}

func openPTY(cmd *exec.Cmd, cols, rows uint16, setCTTY bool) (*os.File, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tty.Close() }()

	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		_ = ptmx.Close()
		return nil, err
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		// Ctty is a descriptor number in the child; stdin is the tty.
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptmx.Close()
		return nil, err
	}
	return ptmx, nil
}

func setSize(ptmx *os.File, cols, rows uint16) error {
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// killProcessGroup kills the shell and everything it started. The group is
// only signaled while the shell itself is still unreaped, so a recycled pid
// is never hit.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
