//go:build windows

package executor

import "os/exec"

// killGroupOnCancel keeps the default cancellation; WaitDelay covers
// descendants that hold the output pipes.
func killGroupOnCancel(*exec.Cmd) {}
