package learnings

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "learnings.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Learning{ID: "1", Kind: "run_failure", StageID: "build", Summary: "timed out"}))
	require.NoError(t, s.Append(ctx, Learning{ID: "2", Kind: "run_success", StageID: "build", Summary: "ok"}))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].ID) // newest first
}

func TestAppendPrunesBeyondRing(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < maxRing+10; i++ {
		require.NoError(t, s.Append(ctx, Learning{ID: fmt.Sprintf("id-%d", i), Kind: "k", StageID: "s", Summary: "x"}))
	}

	recent, err := s.Recent(ctx, maxRing+50)
	require.NoError(t, err)
	assert.Len(t, recent, maxRing)
	assert.Equal(t, fmt.Sprintf("id-%d", maxRing+9), recent[0].ID)
}

func TestSnapshots(t *testing.T) {
	ls := []Learning{{ID: "1", Kind: "run_failure", StageID: "a", Summary: "oops"}}
	snaps := Snapshots(ls)
	require.Len(t, snaps, 1)
	assert.Equal(t, "1", snaps[0].ID)
	assert.Equal(t, "run_failure", snaps[0].Kind)
	assert.NotEmpty(t, snaps[0].Timestamp)
}
