package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTestCountsJestSummary(t *testing.T) {
	out := "Tests:       2 failed, 8 passed, 10 total"
	c, ok := ParseTestCounts(out)
	assert.True(t, ok)
	assert.Equal(t, 8, c.Passing)
	assert.Equal(t, 2, c.Failing)
}

func TestParseTestCountsMochaWords(t *testing.T) {
	out := "  12 passing (2s)\n  3 failing"
	c, ok := ParseTestCounts(out)
	assert.True(t, ok)
	assert.Equal(t, 12, c.Passing)
	assert.Equal(t, 3, c.Failing)
}

func TestParseTestCountsTAP(t *testing.T) {
	out := "# tests 10\n# pass 8\n# fail 2"
	c, ok := ParseTestCounts(out)
	assert.True(t, ok)
	assert.Equal(t, 8, c.Passing)
	assert.Equal(t, 2, c.Failing)
}

func TestParseTestCountsGenericFallback(t *testing.T) {
	out := "Ran 42 tests in 1.2s"
	c, ok := ParseTestCounts(out)
	assert.True(t, ok)
	assert.Equal(t, 42, c.Passing)
}

func TestParseTestCountsUnparseable(t *testing.T) {
	_, ok := ParseTestCounts("no useful output here")
	assert.False(t, ok)
}

func TestParseCoverageIstanbul(t *testing.T) {
	out := "----------|---------|\nFile      | % Stmts |\n----------|---------|\nAll files |   87.65 |\n"
	pct, ok := ParseCoverage(out)
	assert.True(t, ok)
	assert.InDelta(t, 87.65, pct, 0.01)
}

func TestParseCoverageGeneric(t *testing.T) {
	pct, ok := ParseCoverage("total coverage: 91.2%")
	assert.True(t, ok)
	assert.InDelta(t, 91.2, pct, 0.01)
}

func TestParseLintCountsTuple(t *testing.T) {
	c, ok := ParseLintCounts("Linting complete (3 errors, 5 warnings)")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Errors)
	assert.Equal(t, 5, c.Warnings)
}

func TestParseLintCountsBareWords(t *testing.T) {
	c, ok := ParseLintCounts("found 2 errors and 1 warning")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Errors)
}
