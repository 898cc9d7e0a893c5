//go:build windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
)

var errPTYUnsupported = errors.New("pseudo-terminal sessions are not supported on windows")

func startPTY(func() *exec.Cmd, uint16, uint16) (*exec.Cmd, *os.File, error) {
	return nil, nil, errPTYUnsupported
}

func setSize(*os.File, uint16, uint16) error { return errPTYUnsupported }

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
