package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/verify"
)

func TestGatherStageFailureReadsLog(t *testing.T) {
	runDir := t.TempDir()
	stageDir := filepath.Join(runDir, "stages", "build")
	require.NoError(t, os.MkdirAll(stageDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stageDir, "output.log"), []byte("line one\nline two\n"), 0o644))

	stage := &config.Stage{ID: "build"}
	failure := GatherStageFailure(runDir, stage, "exit code 1", nil)

	assert.Equal(t, "build", failure.StageID)
	assert.Contains(t, failure.StdoutTail, "line one")
}

func TestGatherStageFailureMissingLog(t *testing.T) {
	runDir := t.TempDir()
	stage := &config.Stage{ID: "build"}
	failure := GatherStageFailure(runDir, stage, "exit code 1", nil)
	assert.Equal(t, "(no log file found)", failure.StdoutTail)
}

func TestTailLogTruncatesLongOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.log")
	var lines []string
	for i := 0; i < maxLogLines+50; i++ {
		lines = append(lines, "line")
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))

	out := tailLog(path)
	assert.Contains(t, out, "truncated to last")
}

func TestStageFailureRenderIncludesVerification(t *testing.T) {
	agg := &verify.AggregateResult{
		Status:  verify.Failed,
		Message: "verification failed",
		Results: []verify.Result{{Verifier: "test_suite", Status: verify.Failed, Message: "2 failing"}},
	}
	failure := StageFailure{StageID: "build", Message: "stage did not complete", Verification: agg}
	out := failure.Render()
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "test_suite")
}

func TestFactoryFailureRenderListsStages(t *testing.T) {
	failure := FactoryFailure{
		FactoryName: "demo",
		FailedIDs:   []string{"build"},
		Stages:      []StageFailure{{StageID: "build", Message: "boom"}},
	}
	out := failure.Render()
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "boom")
}
