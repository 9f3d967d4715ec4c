// Package report renders the user-visible failure summaries described in
// the error-handling design: per-stage failure detail (stage ID, message,
// verification detail, truncated stdout/stderr) and factory-level
// failure (the list of failed stage IDs). It is adapted from the
// teacher's interactive doctor package, keeping the artifact-gathering
// and truncation logic but dropping the AI-diagnosis call, which is
// out-of-scope CLI behavior for this core.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/verify"
)

const maxLogLines = 200

// StageFailure is the rendered detail for one failed stage.
type StageFailure struct {
	StageID      string
	Message      string
	Verification *verify.AggregateResult
	StdoutTail   string
	StderrTail   string
}

// FactoryFailure is the rendered detail for a whole-run failure.
type FactoryFailure struct {
	FactoryName string
	FailedIDs   []string
	Stages      []StageFailure
}

// GatherStageFailure reads a stage's artifacts from its run directory and
// builds the user-facing failure detail.
func GatherStageFailure(runDir string, stage *config.Stage, message string, verification *verify.AggregateResult) StageFailure {
	stageDir := filepath.Join(runDir, "stages", stage.ID)
	log := tailLog(filepath.Join(stageDir, "output.log"))
	return StageFailure{
		StageID:      stage.ID,
		Message:      message,
		Verification: verification,
		StdoutTail:   log,
	}
}

func tailLog(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "(no log file found)"
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
		return fmt.Sprintf("... (truncated to last %d lines)\n%s", maxLogLines, strings.Join(lines, "\n"))
	}
	return string(data)
}

// Render formats a stage failure as plain text suitable for terminal
// output.
func (f StageFailure) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q failed: %s\n", f.StageID, f.Message)
	if f.Verification != nil && !f.Verification.Passed() {
		fmt.Fprintf(&b, "  verification: %s\n", f.Verification.Message)
		for _, r := range f.Verification.Results {
			if r.Status == verify.Failed {
				fmt.Fprintf(&b, "    - %s: %s\n", r.Verifier, r.Message)
			}
		}
	}
	if f.StdoutTail != "" {
		b.WriteString("  log tail:\n")
		for _, line := range strings.Split(f.StdoutTail, "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	return b.String()
}

// Render formats a whole-factory failure as plain text.
func (f FactoryFailure) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "factory %q failed: stages %s did not complete\n\n", f.FactoryName, strings.Join(f.FailedIDs, ", "))
	for _, sf := range f.Stages {
		b.WriteString(sf.Render())
		b.WriteString("\n")
	}
	return b.String()
}
