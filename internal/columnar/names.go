package columnar

import (
	"fmt"
	"strings"
)

// UniqueNames makes column names unique. Empty names become column_<n>
// (1-based position); a repeated name keeps its first occurrence and later
// occurrences get the first free suffix _1, _2, ...
func UniqueNames(names []string) []string {
	out := make([]string, len(names))
	taken := make(map[string]bool, len(names))
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = name
	}
	// Reserve every original name so a suffixed name never steals one that
	// appears later in the header.
	for _, name := range out {
		taken[name] = false
	}
	for i, name := range out {
		if !taken[name] {
			taken[name] = true
			continue
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s_%d", name, n)
			if _, exists := taken[candidate]; !exists {
				out[i] = candidate
				taken[candidate] = true
				break
			}
		}
	}
	return out
}
