package verify

import (
	"context"
	"fmt"
	"os"

	"github.com/averyhale/forge/internal/config"
)

func verifyTestSuite(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	output, code, err := runCommand(ctx, p.Root, v.Command)
	if err != nil {
		return Failed, nil, fmt.Sprintf("running test command: %v", err), nil
	}

	counts, ok := ParseTestCounts(output)
	minPassing := v.MinPassing
	maxFailing := v.MaxFailing

	if code != 0 && maxFailing == 0 {
		return Failed, map[string]any{"exit_code": code}, "test command exited non-zero", nil
	}
	if !ok {
		if code != 0 {
			return Failed, map[string]any{"exit_code": code}, "test command exited non-zero and output was unparseable", nil
		}
		return Passed, map[string]any{"exit_code": code}, "", nil
	}

	details := map[string]any{"passing": counts.Passing, "failing": counts.Failing, "exit_code": code}
	if counts.Passing < minPassing {
		return Failed, details, fmt.Sprintf("%d passing, need at least %d", counts.Passing, minPassing), nil
	}
	if counts.Failing > maxFailing {
		return Failed, details, fmt.Sprintf("%d failing, allowed at most %d", counts.Failing, maxFailing), nil
	}
	return Passed, details, "", nil
}

func verifyTestCoverage(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	output, _, err := runCommand(ctx, p.Root, v.Command)
	if err != nil {
		return Failed, nil, fmt.Sprintf("running coverage command: %v", err), nil
	}
	pct, ok := ParseCoverage(output)
	if !ok {
		return Failed, nil, "could not parse coverage percentage from output", nil
	}
	if pct < v.MinCoverage {
		return Failed, map[string]any{"coverage": pct}, fmt.Sprintf("coverage %.1f%% below required %.1f%%", pct, v.MinCoverage), nil
	}
	return Passed, map[string]any{"coverage": pct}, "", nil
}

func verifyBuildSuccess(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	_, code, err := runCommand(ctx, p.Root, v.Command)
	if err != nil {
		return Failed, nil, fmt.Sprintf("running build command: %v", err), nil
	}
	if code != 0 {
		return Failed, map[string]any{"exit_code": code}, "build command exited non-zero", nil
	}
	var missing []string
	for _, a := range v.Artifacts {
		path := resolvePath(p, a)
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return Failed, map[string]any{"missing": missing}, fmt.Sprintf("missing build artifacts: %v", missing), nil
	}
	return Passed, map[string]any{"exit_code": code}, "", nil
}

func verifyLintPass(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	output, _, err := runCommand(ctx, p.Root, v.Command)
	if err != nil {
		return Failed, nil, fmt.Sprintf("running lint command: %v", err), nil
	}
	counts, ok := ParseLintCounts(output)
	if !ok {
		return Passed, map[string]any{"errors": 0, "warnings": 0}, "", nil
	}
	details := map[string]any{"errors": counts.Errors, "warnings": counts.Warnings}
	if counts.Errors > 0 {
		return Failed, details, fmt.Sprintf("%d lint errors", counts.Errors), nil
	}
	maxWarnings := v.MaxWarnings
	if counts.Warnings > maxWarnings {
		return Failed, details, fmt.Sprintf("%d warnings exceeds max %d", counts.Warnings, maxWarnings), nil
	}
	return Passed, details, "", nil
}

func verifyCustom(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	_, code, err := runCommand(ctx, p.Root, v.Command)
	if err != nil {
		return Failed, nil, fmt.Sprintf("running custom verifier: %v", err), nil
	}
	want := v.ExpectExitCode
	if code != want {
		return Failed, map[string]any{"exit_code": code}, fmt.Sprintf("exit code %d, expected %d", code, want), nil
	}
	return Passed, map[string]any{"exit_code": code}, "", nil
}
