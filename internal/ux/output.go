// Package ux renders terminal output for cmd/forge: timestamped stage
// lifecycle lines and the status display. Adapted from the teacher's
// interactive ux package, trimmed of attended-mode and gate-approval
// prompts (ToolDenied, PermissionPrompt) since this core's execution
// model is non-interactive throughout.
package ux

import (
	"fmt"
	"time"

	"github.com/averyhale/forge/internal/config"
)

// ANSI color helpers.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// StageHeader prints a timestamped stage header.
func StageHeader(index, total int, stage config.Stage) {
	fmt.Printf("\n%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
	fmt.Printf("%s[%s]%s  %sStage %d/%d: %s (%s)%s\n",
		Dim, timestamp(), Reset, Bold, index+1, total, stage.ID, stage.Type, Reset)
	fmt.Printf("%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
}

// StageComplete prints a stage completion message.
func StageComplete(stageID string, duration time.Duration) {
	m := int(duration.Minutes())
	s := int(duration.Seconds()) % 60
	fmt.Printf("%s[%s]%s  %s✓ %s complete (%dm %02ds)%s\n",
		Dim, timestamp(), Reset, Green, stageID, m, s, Reset)
}

// StageFail prints a stage failure message.
func StageFail(stageID, errMsg string) {
	fmt.Printf("%s[%s]%s  %s✗ %s failed: %s%s\n",
		Dim, timestamp(), Reset, Red, stageID, errMsg, Reset)
}

// StageSkip prints a stage skip message.
func StageSkip(stageID, reason string) {
	fmt.Printf("%s[%s]%s  %s– %s skipped (%s)%s\n",
		Dim, timestamp(), Reset, Dim, stageID, reason, Reset)
}

// LoopBack prints a loop_to rewind message.
func LoopBack(fromStage, toStage string, loopCount, maxRecursion int) {
	fmt.Printf("%s[%s]%s  %s↺ %s looping back to %q (recursion %d/%d)%s\n",
		Dim, timestamp(), Reset, Yellow, fromStage, toStage, loopCount, maxRecursion, Reset)
}

// Output prints a single captured line of subprocess output for a stage.
func Output(stageID, line string) {
	if len(line) > 200 {
		line = line[:197] + "..."
	}
	fmt.Printf("  %s%s%s %s\n", Cyan, stageID, Reset, line)
}

// ResumeHint prints a resume command hint.
func ResumeHint(factoryName string) {
	fmt.Printf("\n%sResume:%s forge resume %s\n", Yellow, Reset, factoryName)
}

// Success prints a final success message.
func Success(total int) {
	fmt.Printf("\n%s[%s]%s  %s%s══ All %d stages complete ══%s\n\n",
		Dim, timestamp(), Reset, Bold, Green, total, Reset)
}

// FactoryFail prints a final factory-level failure message listing the
// failed stage IDs.
func FactoryFail(failedIDs []string) {
	fmt.Printf("\n%s[%s]%s  %s%s══ Factory failed: %v ══%s\n\n",
		Dim, timestamp(), Reset, Bold, Red, failedIDs, Reset)
}
