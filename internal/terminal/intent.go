package terminal

import "strings"

// Intent is the declared purpose of a session beyond a bare shell. The set of
// variants is closed; a nil Intent means a plain shell.
type Intent interface {
	// Title names the session in its exit banner.
	Title() string
	// Args are the container-use arguments typed into the shell.
	Args() []string

	intent()
}

// Terminal opens the container-use terminal of one environment.
type Terminal struct {
	EnvironmentID string
}

func (Terminal) Title() string { return "Terminal" }

func (t Terminal) Args() []string { return withTarget("terminal", t.EnvironmentID) }

func (Terminal) intent() {}

// Watch follows all environments.
type Watch struct{}

func (Watch) Title() string { return "Watch" }

func (Watch) Args() []string { return []string{"watch"} }

func (Watch) intent() {}

// Verb runs another container-use subcommand against an environment.
type Verb struct {
	Name          string
	EnvironmentID string
}

func (v Verb) Title() string {
	if v.Name == "" {
		return "Command"
	}
	return strings.ToUpper(v.Name[:1]) + v.Name[1:]
}

func (v Verb) Args() []string { return withTarget(v.Name, v.EnvironmentID) }

func (Verb) intent() {}

func withTarget(name, target string) []string {
	if target == "" {
		return []string{name}
	}
	return []string{name, target}
}

// Target returns the environment id an intent refers to, if any.
func Target(i Intent) string {
	if i == nil {
		return ""
	}
	if args := i.Args(); len(args) > 1 {
		return args[1]
	}
	return ""
}

// Name returns the container-use subcommand of an intent, or "shell".
func Name(i Intent) string {
	if i == nil {
		return "shell"
	}
	return i.Args()[0]
}
