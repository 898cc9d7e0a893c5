package containeruse

import (
	"regexp"
	"strings"
)

// Environment is one row of `container-use list`.
type Environment struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Created string `json:"created"`
	Updated string `json:"updated"`
}

var columnSep = regexp.MustCompile(`\s{2,}`)

// ParseList reads the table printed by `container-use list`. Columns are
// separated by runs of two or more spaces; rows with fewer than four columns
// are skipped.
func ParseList(out string) []Environment {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	start := 0
	for i, line := range lines {
		if first := columnSep.Split(strings.TrimSpace(line), 2)[0]; strings.EqualFold(first, "ID") {
			start = i + 1
			break
		}
	}
	envs := make([]Environment, 0, len(lines))
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := columnSep.Split(line, -1)
		if len(fields) < 4 {
			continue
		}
		envs = append(envs, Environment{
			ID:      strings.TrimSpace(fields[0]),
			Title:   strings.TrimSpace(fields[1]),
			Created: strings.TrimSpace(fields[2]),
			Updated: strings.TrimSpace(fields[3]),
		})
	}
	return envs
}
