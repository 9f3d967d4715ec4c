package verify

import (
	"regexp"
	"strconv"
	"strings"
)

// TestCounts is the lossy-by-design result of scanning a test runner's
// output for pass/fail totals. A verifier asserting on these should also
// check the exit code — see design notes on test output parsing.
type TestCounts struct {
	Passing int
	Failing int
}

var (
	// "Tests:       2 failed, 8 passed, 10 total" (Jest-style summary line)
	testsSummaryRe = regexp.MustCompile(`(?i)Tests:\s*(.+)`)
	kvRe           = regexp.MustCompile(`(?i)(\d+)\s+(passed|failed|skipped|pending|total)`)

	// "12 passing" / "3 failing" (Mocha-style)
	passingWordRe = regexp.MustCompile(`(?i)(\d+)\s+passing`)
	failingWordRe = regexp.MustCompile(`(?i)(\d+)\s+failing`)

	// TAP: "# tests 10", "# pass 8", "# fail 2"
	tapTestsRe = regexp.MustCompile(`(?im)^#\s*tests\s+(\d+)`)
	tapPassRe  = regexp.MustCompile(`(?im)^#\s*pass\s+(\d+)`)
	tapFailRe  = regexp.MustCompile(`(?im)^#\s*fail\s+(\d+)`)

	// Generic fallback: "42 tests" / "7 specs"
	genericCountRe = regexp.MustCompile(`(?i)(\d+)\s+(tests?|specs?)\b`)
)

// ParseTestCounts extracts pass/fail counts using the priority order: an
// explicit "Tests:" summary line, then "passing"/"failing" words, then
// TAP-style counters, then a generic "N tests" fallback.
func ParseTestCounts(output string) (TestCounts, bool) {
	if m := testsSummaryRe.FindStringSubmatch(output); m != nil {
		var c TestCounts
		found := false
		for _, kv := range kvRe.FindAllStringSubmatch(m[1], -1) {
			n, _ := strconv.Atoi(kv[1])
			switch strings.ToLower(kv[2]) {
			case "passed":
				c.Passing += n
				found = true
			case "failed":
				c.Failing += n
				found = true
			}
		}
		if found {
			return c, true
		}
	}

	passM := passingWordRe.FindStringSubmatch(output)
	failM := failingWordRe.FindStringSubmatch(output)
	if passM != nil || failM != nil {
		var c TestCounts
		if passM != nil {
			c.Passing, _ = strconv.Atoi(passM[1])
		}
		if failM != nil {
			c.Failing, _ = strconv.Atoi(failM[1])
		}
		return c, true
	}

	tapPass := tapPassRe.FindStringSubmatch(output)
	tapFail := tapFailRe.FindStringSubmatch(output)
	if tapPass != nil || tapFail != nil {
		var c TestCounts
		if tapPass != nil {
			c.Passing, _ = strconv.Atoi(tapPass[1])
		}
		if tapFail != nil {
			c.Failing, _ = strconv.Atoi(tapFail[1])
		}
		return c, true
	}
	if m := tapTestsRe.FindStringSubmatch(output); m != nil {
		total, _ := strconv.Atoi(m[1])
		return TestCounts{Passing: total}, true
	}

	if m := genericCountRe.FindStringSubmatch(output); m != nil {
		total, _ := strconv.Atoi(m[1])
		return TestCounts{Passing: total}, true
	}

	return TestCounts{}, false
}

var (
	// Istanbul-style: "All files      |   87.5 |..."  or "Statements   : 87.5%"
	istanbulAllFilesRe = regexp.MustCompile(`(?i)All files\s*\|\s*([\d.]+)`)
	coveragePctRe      = regexp.MustCompile(`(?i)coverage[:\s]+([\d.]+)\s*%`)
)

// ParseCoverage reads a percentage coverage figure, first from an
// Istanbul-style aggregate line, then from a generic "coverage: N%"
// pattern.
func ParseCoverage(output string) (float64, bool) {
	if m := istanbulAllFilesRe.FindStringSubmatch(output); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v, true
		}
	}
	if m := coveragePctRe.FindStringSubmatch(output); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return v, true
		}
	}
	return 0, false
}

// LintCounts is the parsed error/warning tally from a lint command.
type LintCounts struct {
	Errors   int
	Warnings int
}

var (
	// "(3 errors, 5 warnings)"
	lintTupleRe  = regexp.MustCompile(`\((\d+)\s+errors?,\s*(\d+)\s+warnings?\)`)
	bareErrorsRe = regexp.MustCompile(`(?i)(\d+)\s+errors?\b`)
	bareWarnRe   = regexp.MustCompile(`(?i)(\d+)\s+warnings?\b`)
)

// ParseLintCounts extracts error/warning counts, preferring an explicit
// "(N errors, M warnings)" tuple and falling back to counting bare words.
func ParseLintCounts(output string) (LintCounts, bool) {
	if m := lintTupleRe.FindStringSubmatch(output); m != nil {
		errs, _ := strconv.Atoi(m[1])
		warns, _ := strconv.Atoi(m[2])
		return LintCounts{Errors: errs, Warnings: warns}, true
	}

	errM := bareErrorsRe.FindStringSubmatch(output)
	warnM := bareWarnRe.FindStringSubmatch(output)
	if errM == nil && warnM == nil {
		return LintCounts{}, false
	}
	var c LintCounts
	if errM != nil {
		c.Errors, _ = strconv.Atoi(errM[1])
	}
	if warnM != nil {
		c.Warnings, _ = strconv.Atoi(warnM[1])
	}
	return c, true
}
