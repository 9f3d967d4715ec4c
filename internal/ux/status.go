package ux

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/averyhale/forge/internal/checkpoint"
	"github.com/averyhale/forge/internal/config"
)

// RenderStatus prints the full status display for a factory run: current
// state, completed/failed/skipped/remaining stages, and an artifacts
// listing from the run directory.
func RenderStatus(f *config.Factory, cp *checkpoint.Checkpoint, runDir string) {
	fmt.Printf("%sFactory:%s  %s\n", Bold, Reset, f.Name)
	fmt.Printf("%sRun:%s      %s\n", Bold, Reset, cp.RunID)

	state := "running"
	switch {
	case cp.FSM != nil:
		state = cp.FSM.Factory.State
	case len(cp.Failed) > 0:
		state = "FAILED"
	case len(cp.Completed) == len(f.Stages):
		state = "COMPLETED"
	}
	color := Yellow
	switch state {
	case "COMPLETED":
		color = Green
	case "FAILED":
		color = Red
	}
	fmt.Printf("%sState:%s    %s%s%s (stage %s)\n", Bold, Reset, color, state, Reset, cp.CurrentStage)

	completedSet := toSet(cp.Completed)
	failedSet := toSet(cp.Failed)
	skippedSet := toSet(cp.Skipped)

	if len(cp.Completed) > 0 {
		fmt.Printf("\n%sCompleted:%s\n", Bold, Reset)
		for _, id := range cp.Completed {
			fmt.Printf("  %s✓%s %s\n", Green, Reset, id)
		}
	}
	if len(cp.Failed) > 0 {
		fmt.Printf("\n%sFailed:%s\n", Bold, Reset)
		for _, id := range cp.Failed {
			fmt.Printf("  %s✗%s %s\n", Red, Reset, id)
		}
	}
	if len(cp.Skipped) > 0 {
		fmt.Printf("\n%sSkipped:%s\n", Bold, Reset)
		for _, id := range cp.Skipped {
			fmt.Printf("  %s–%s %s\n", Dim, Reset, id)
		}
	}

	fmt.Printf("\n%sRemaining:%s\n", Bold, Reset)
	any := false
	for _, s := range f.Stages {
		if completedSet[s.ID] || failedSet[s.ID] || skippedSet[s.ID] {
			continue
		}
		any = true
		marker := "  "
		if s.ID == cp.CurrentStage {
			marker = fmt.Sprintf("%s→%s ", Yellow, Reset)
		}
		fmt.Printf("  %s%s %s(%s)%s\n", marker, s.ID, Dim, s.Type, Reset)
	}
	if !any {
		fmt.Printf("  %s(none)%s\n", Dim, Reset)
	}

	fmt.Printf("\n%sArtifacts:%s\n", Bold, Reset)
	stagesDir := filepath.Join(runDir, "stages")
	entries, err := os.ReadDir(stagesDir)
	if err != nil || len(entries) == 0 {
		fmt.Printf("  %s(none)%s\n", Dim, Reset)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, _ := os.ReadDir(filepath.Join(stagesDir, e.Name()))
		fmt.Printf("  %s/%s  (%d files)\n", "stages", e.Name(), len(sub))
	}
	fmt.Println()
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
