// Package verify implements the verification gate: after a stage claims
// success, these checks independently confirm real work occurred, without
// relying on the stage's self-reported success or output text.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/averyhale/forge/internal/config"
)

// Status is the outcome of a single verifier run.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// Result is the outcome of one verifier.
type Result struct {
	Verifier string
	Status   Status
	Duration time.Duration
	Details  map[string]any
	Message  string
}

// AggregateResult combines every verifier attached to a stage.
type AggregateResult struct {
	Status  Status
	Results []Result
	Message string
}

// Passed reports whether every constituent verifier passed.
func (a *AggregateResult) Passed() bool { return a.Status == Passed }

// runParams carries everything a single verifier kind needs: the project
// root (for resolving relative paths), the run's start time (for
// since-start checks), and the template environment for {{var}}
// substitution in paths (patterns and commands are used as written).
type runParams struct {
	Root     string
	RunStart time.Time
	Env      map[string]any
}

// RunAllVerifications runs every verifier in order and aggregates the
// result. All verifiers must pass for the aggregate to pass; any failure
// produces a message enumerating the failed verifier identifiers. It is
// associative over concatenation of verifier lists: running [v1,v2] then
// [v3] and combining is equivalent to running [v1,v2,v3] directly.
func RunAllVerifications(ctx context.Context, verifiers []config.VerifierConfig, root string, runStart time.Time, env map[string]any) (*AggregateResult, error) {
	params := runParams{Root: root, RunStart: runStart, Env: env}

	agg := &AggregateResult{Status: Passed}
	var failedNames []string
	for _, v := range verifiers {
		res, err := runOne(ctx, v, params)
		if err != nil {
			return nil, fmt.Errorf("verifier %q: %w", v.Type, err)
		}
		agg.Results = append(agg.Results, *res)
		if res.Status == Failed {
			agg.Status = Failed
			failedNames = append(failedNames, res.Verifier)
		}
	}
	if agg.Status == Failed {
		agg.Message = fmt.Sprintf("verification failed: %v", failedNames)
	}
	return agg, nil
}

func runOne(ctx context.Context, v config.VerifierConfig, p runParams) (*Result, error) {
	start := time.Now()
	var status Status
	var details map[string]any
	var msg string
	var err error

	switch v.Type {
	case "file_exists":
		status, details, msg, err = verifyFileExists(v, p)
	case "file_changed":
		status, details, msg, err = verifyFileChanged(ctx, v, p)
	case "file_contains":
		status, details, msg, err = verifyFileContains(v, p)
	case "git_commits":
		status, details, msg, err = verifyGitCommits(ctx, v, p)
	case "git_diff":
		status, details, msg, err = verifyGitDiff(ctx, v, p)
	case "git_files_changed":
		status, details, msg, err = verifyGitFilesChanged(ctx, v, p)
	case "test_suite":
		status, details, msg, err = verifyTestSuite(ctx, v, p)
	case "test_coverage":
		status, details, msg, err = verifyTestCoverage(ctx, v, p)
	case "build_success":
		status, details, msg, err = verifyBuildSuccess(ctx, v, p)
	case "lint_pass":
		status, details, msg, err = verifyLintPass(ctx, v, p)
	case "custom":
		status, details, msg, err = verifyCustom(ctx, v, p)
	default:
		return nil, fmt.Errorf("unknown verifier type %q", v.Type)
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Verifier: v.Type,
		Status:   status,
		Duration: time.Since(start),
		Details:  details,
		Message:  msg,
	}, nil
}

// resolvePath applies {{var}} substitution and roots relative paths at
// the project directory.
func resolvePath(p runParams, raw string) string {
	resolved := config.ResolveTemplate(raw, p.Env)
	if filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(p.Root, resolved)
}

// runCommand runs command via bash -c, rooted at dir, and returns combined
// output plus exit code.
func runCommand(ctx context.Context, dir, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return string(out), 0, err
		}
	}
	return string(out), code, nil
}
