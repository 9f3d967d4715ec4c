package ux

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhale/forge/internal/checkpoint"
	"github.com/averyhale/forge/internal/config"
)

// capture redirects os.Stdout for the duration of fn and returns what was
// written to it.
func capture(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	require.NoError(t, w.Close())
	os.Stdout = old

	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestStageHeaderIncludesIndexAndType(t *testing.T) {
	out := capture(t, func() {
		StageHeader(0, 3, config.Stage{ID: "build", Type: "build"})
	})
	assert.Contains(t, out, "Stage 1/3")
	assert.Contains(t, out, "build")
}

func TestStageCompleteIncludesDuration(t *testing.T) {
	out := capture(t, func() {
		StageComplete("build", 90*time.Second)
	})
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "1m 30s")
}

func TestStageFailIncludesMessage(t *testing.T) {
	out := capture(t, func() {
		StageFail("build", "exit code 1")
	})
	assert.Contains(t, out, "build")
	assert.Contains(t, out, "exit code 1")
}

func TestOutputTruncatesLongLines(t *testing.T) {
	out := capture(t, func() {
		Output("build", strings.Repeat("x", 300))
	})
	assert.Contains(t, out, "...")
	assert.Less(t, len(out), 300+40)
}

func TestRenderStatusListsStageGroups(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: "custom"},
			{ID: "b", Type: "custom"},
			{ID: "c", Type: "custom"},
		},
	}
	cp := &checkpoint.Checkpoint{
		RunID:        "run-1",
		CurrentStage: "b",
		Completed:    []string{"a"},
		Failed:       []string{"c"},
	}
	out := capture(t, func() {
		RenderStatus(factory, cp, t.TempDir())
	})
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Completed")
	assert.Contains(t, out, "Failed")
	assert.Contains(t, out, "Remaining")
	assert.Contains(t, out, "(custom)") // b is neither completed nor failed nor skipped
}
