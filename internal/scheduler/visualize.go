package scheduler

import (
	"fmt"
	"strings"
)

// Visualize renders an ASCII levelized plan: one line per parallel group,
// stages within a group separated by " | ". Intended for --dry-run style
// output and log diagnostics, not for machine parsing.
func Visualize(g *Graph) string {
	groups, err := ParallelGroups(g)
	if err != nil {
		return fmt.Sprintf("(cannot visualize: %v)", err)
	}
	var b strings.Builder
	for i, level := range groups {
		fmt.Fprintf(&b, "%2d: %s\n", i+1, strings.Join(level, " | "))
	}
	return b.String()
}
