package terminal

import (
	"context"
	"io"
	"strings"
	"time"
)

// A freshly spawned shell is still sourcing its login scripts when it comes
// up, and anything typed before it reaches its first prompt can be swallowed
// or echoed out of order. The bootstrap waits out that window, then types the
// command in stages.
const (
	// SettleDelay is the wait between spawn and the first keystroke.
	SettleDelay = 300 * time.Millisecond
	// ClearDelay separates the interrupt from the clear command.
	ClearDelay = 100 * time.Millisecond
	// CommandDelay separates the clear command from the real command.
	CommandDelay = 100 * time.Millisecond
)

const interruptByte = 0x03

// Delays controls the pacing of a bootstrap sequence.
type Delays struct {
	Settle  time.Duration
	Clear   time.Duration
	Command time.Duration
}

// DefaultDelays is the pacing used by servers.
var DefaultDelays = Delays{Settle: SettleDelay, Clear: ClearDelay, Command: CommandDelay}

// Step is one timed write into the shell.
type Step struct {
	Delay time.Duration
	Data  []byte
}

// CommandLine is the line typed into the shell for intent, without the
// trailing carriage return.
func CommandLine(intent Intent, binary string) string {
	if intent == nil {
		return ""
	}
	return strings.Join(append([]string{binary}, intent.Args()...), " ")
}

// Plan returns the keystrokes that launch intent inside a running shell.
// A plain shell needs none.
func Plan(intent Intent, binary string, d Delays) []Step {
	if intent == nil {
		return nil
	}
	return []Step{
		{Delay: d.Settle, Data: []byte{interruptByte}},
		{Delay: d.Clear, Data: []byte("clear\r")},
		{Delay: d.Command, Data: []byte(CommandLine(intent, binary) + "\r")},
	}
}

// Bootstrap performs steps against w in order. It stops early when ctx is
// done or a write fails.
func Bootstrap(ctx context.Context, w io.Writer, steps []Step) error {
	for _, step := range steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.Write(step.Data); err != nil {
			return err
		}
	}
	return nil
}
