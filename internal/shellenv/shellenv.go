// Package shellenv selects the interactive shell and builds the environment
// table handed to spawned processes.
package shellenv

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// LocalBinDir is the search path segment that must be present for shells
// even when the ambient PATH omits it.
const LocalBinDir = "/usr/local/bin"

// Shell is the program and arguments used to start an interactive shell.
type Shell struct {
	Path string
	Args []string
}

// Select picks the interactive shell for the current platform. A non-empty
// override wins; overrideArgs are used verbatim when override is set.
func Select(override string, overrideArgs []string) Shell {
	if s := strings.TrimSpace(override); s != "" {
		return Shell{Path: s, Args: append([]string(nil), overrideArgs...)}
	}
	return selectFor(runtime.GOOS, os.Getenv, exec.LookPath)
}

func selectFor(goos string, getenv func(string) string, lookPath func(string) (string, error)) Shell {
	if goos == "windows" {
		if p, err := lookPath("powershell.exe"); err == nil {
			return Shell{Path: p, Args: []string{"-NoLogo"}}
		}
		comspec := getenv("COMSPEC")
		if comspec == "" {
			comspec = "cmd.exe"
		}
		return Shell{Path: comspec}
	}
	if sh := strings.TrimSpace(getenv("SHELL")); sh != "" {
		return Shell{Path: sh, Args: []string{"-l"}}
	}
	for _, candidate := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(candidate); err == nil {
			return Shell{Path: candidate, Args: []string{"-l"}}
		}
	}
	return Shell{Path: "/bin/sh", Args: []string{"-l"}}
}

// ColorVars are always forced on interactive shells, and on one-shot
// commands that ask for colored output.
var ColorVars = map[string]string{
	"COLORTERM":      "truecolor",
	"FORCE_COLOR":    "1",
	"CLICOLOR_FORCE": "1",
}

// Environ builds the environment for an interactive shell from the current
// process environment.
func Environ() []string {
	return Build(os.Environ(), runtime.GOOS, homeDir)
}

// Build derives the shell environment from ambient. The ambient slice is
// never modified.
func Build(ambient []string, goos string, home func() string) []string {
	forced := map[string]string{"TERM": "xterm-256color"}
	for k, v := range ColorVars {
		forced[k] = v
	}
	env := Merge(ambient, forced)
	if goos == "windows" {
		return env
	}
	if lookup(env, "HOME") == "" {
		if h := home(); h != "" {
			env = Merge(env, map[string]string{"HOME": h})
		}
	}
	path := lookup(env, "PATH")
	if !containsDir(path, LocalBinDir) {
		if path == "" {
			path = LocalBinDir
		} else {
			path = LocalBinDir + string(os.PathListSeparator) + path
		}
		env = Merge(env, map[string]string{"PATH": path})
	}
	return env
}

// Merge returns base with overrides applied. Later keys win, duplicates in
// base collapse to their last value, and the order of first appearance is
// kept. Keys added by overrides are appended in sorted order.
func Merge(base []string, overrides map[string]string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	out := make([]string, 0, len(base)+len(overrides))
	set := func(k, v string) {
		kv := k + "=" + v
		if i, ok := index[envKey(k)]; ok {
			out[i] = kv
			return
		}
		index[envKey(k)] = len(out)
		out = append(out, kv)
	}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		set(k, v)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, overrides[k])
	}
	return out
}

func lookup(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && envKey(k) == envKey(key) {
			return v
		}
	}
	return ""
}

func envKey(k string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(k)
	}
	return k
}

func containsDir(pathList, dir string) bool {
	for _, p := range filepath.SplitList(pathList) {
		if p != "" && filepath.Clean(p) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

func homeDir() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return "/"
}
