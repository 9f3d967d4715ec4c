package scheduler

import (
	"testing"

	"github.com/averyhale/forge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stages(ids ...string) []config.Stage {
	out := make([]config.Stage, len(ids))
	for i, id := range ids {
		out[i] = config.Stage{ID: id, Type: config.StageTypeCustom, Command: "true"}
	}
	return out
}

func dep(s config.Stage, deps ...string) config.Stage {
	s.DependsOn = deps
	return s
}

func linearGraph() []config.Stage {
	s := stages("a", "b", "c")
	s[1] = dep(s[1], "a")
	s[2] = dep(s[2], "b")
	return s
}

func TestTopologicalOrderLinear(t *testing.T) {
	g := BuildGraph(linearGraph())
	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalOrderIsPermutationRespectingEdges(t *testing.T) {
	s := stages("root", "a", "b", "join")
	s[1] = dep(s[1], "root")
	s[2] = dep(s[2], "root")
	s[3] = dep(s[3], "a", "b")
	g := BuildGraph(s)
	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "a", "b", "join"}, order)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["root"], pos["a"])
	assert.Less(t, pos["root"], pos["b"])
	assert.Less(t, pos["a"], pos["join"])
	assert.Less(t, pos["b"], pos["join"])
}

func TestTopologicalOrderDeterministicTieBreak(t *testing.T) {
	// b and c both depend only on a; ties must break lexicographically.
	s := stages("a", "c", "b")
	s[1] = dep(s[1], "a")
	s[2] = dep(s[2], "a")
	g := BuildGraph(s)
	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopologicalOrderRejectsCycle(t *testing.T) {
	s := stages("a", "b")
	s[0] = dep(s[0], "b")
	s[1] = dep(s[1], "a")
	g := BuildGraph(s)
	_, err := TopologicalOrder(g)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Cycle)
}

func TestParallelGroupsMergePoint(t *testing.T) {
	s := stages("root", "a", "b", "join")
	s[1] = dep(s[1], "root")
	s[2] = dep(s[2], "root")
	s[3] = dep(s[3], "a", "b")
	g := BuildGraph(s)
	groups, err := ParallelGroups(g)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"root"}, groups[0])
	assert.Equal(t, []string{"a", "b"}, groups[1])
	assert.Equal(t, []string{"join"}, groups[2])
}

func TestCriticalPathLength(t *testing.T) {
	s := stages("root", "a", "b", "join")
	s[1] = dep(s[1], "root")
	s[2] = dep(s[2], "root")
	s[3] = dep(s[3], "a", "b")
	g := BuildGraph(s)
	path, err := CriticalPath(g)
	require.NoError(t, err)
	assert.Len(t, path, 3)
	assert.Equal(t, "root", path[0])
	assert.Equal(t, "join", path[2])
}

func TestReadyStages(t *testing.T) {
	g := BuildGraph(linearGraph())
	ready := ReadyStages(g, map[string]bool{})
	assert.Equal(t, []string{"a"}, ready)

	ready = ReadyStages(g, map[string]bool{"a": true})
	assert.Equal(t, []string{"b"}, ready)
}

func TestDescendantsAndAncestors(t *testing.T) {
	g := BuildGraph(linearGraph())
	desc := DescendantsOf(g, "a")
	assert.True(t, desc["b"])
	assert.True(t, desc["c"])

	anc := AncestorsOf(g, "c")
	assert.True(t, anc["a"])
	assert.True(t, anc["b"])
}

func TestAnalyzeBranchesFindsMergePoint(t *testing.T) {
	s := stages("root", "a", "b", "join")
	s[1] = dep(s[1], "root")
	s[2] = dep(s[2], "root")
	s[3] = dep(s[3], "a", "b")
	g := BuildGraph(s)
	analysis, err := AnalyzeBranches(g, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, analysis.IsParallel)
	assert.Equal(t, "join", analysis.MergePoint)
}

func TestVisualizeRendersLevels(t *testing.T) {
	g := BuildGraph(linearGraph())
	out := Visualize(g)
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "b")
	assert.Contains(t, out, "c")
}
