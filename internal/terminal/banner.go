package terminal

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// The renderer never talks to a real terminal, so the profile is pinned
// instead of detected from the server's stdout.
var bannerRenderer = func() *lipgloss.Renderer {
	r := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.ANSI))
	r.SetColorProfile(termenv.ANSI)
	return r
}()

// ExitMessage is sent to the client once the shell exits. Plain shells get
// the bare code so clients can parse it.
func ExitMessage(intent Intent, code int) []byte {
	if intent == nil {
		return []byte(strconv.Itoa(code))
	}
	color := lipgloss.Color("3")
	if code == 0 {
		color = lipgloss.Color("2")
	}
	style := bannerRenderer.NewStyle().Bold(true).Foreground(color)
	line := fmt.Sprintf("%s session ended with exit code: %d", intent.Title(), code)
	return []byte("\r\n" + style.Render(line) + "\r\n")
}
