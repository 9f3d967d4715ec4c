package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/averyhale/forge/internal/config"
)

// fileChangedSince reports whether path has been modified since start,
// established first via git log --since (if the project is a git repo),
// falling back to the file's mtime.
func fileChangedSince(ctx context.Context, root, path string, start time.Time) bool {
	if isGitRepo(root) {
		rel, err := filepath.Rel(root, path)
		if err == nil {
			cmd := exec.CommandContext(ctx, "git", "log", "--since="+start.Format(time.RFC3339), "--oneline", "--", rel)
			cmd.Dir = root
			out, err := cmd.Output()
			if err == nil && len(strings.TrimSpace(string(out))) > 0 {
				return true
			}
			// git status also catches uncommitted changes.
			statusCmd := exec.CommandContext(ctx, "git", "status", "--porcelain", "--", rel)
			statusCmd.Dir = root
			if out, err := statusCmd.Output(); err == nil && len(strings.TrimSpace(string(out))) > 0 {
				return true
			}
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().After(start)
}

func isGitRepo(root string) bool {
	_, err := os.Stat(filepath.Join(root, ".git"))
	return err == nil
}

func verifyGitCommits(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	args := []string{"log", "--since=" + p.RunStart.Format(time.RFC3339), "--oneline"}
	if v.Author != "" {
		args = append(args, "--author="+v.Author)
	}
	if v.MessagePattern != "" {
		args = append(args, "--grep="+v.MessagePattern, "-E")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.Root
	out, err := cmd.Output()
	if err != nil {
		return Failed, nil, fmt.Sprintf("git log: %v", err), nil
	}
	lines := nonEmptyLines(string(out))
	min := v.MinCommits
	if min == 0 {
		min = 1
	}
	if len(lines) < min {
		return Failed, map[string]any{"commits": len(lines)}, fmt.Sprintf("found %d commits, need %d", len(lines), min), nil
	}
	return Passed, map[string]any{"commits": len(lines)}, "", nil
}

func verifyGitDiff(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	args := []string{"diff", "--numstat", "HEAD~1", "HEAD"}
	if len(v.Paths) > 0 {
		args = append(args, "--")
		args = append(args, v.Paths...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.Root
	out, err := cmd.Output()
	if err != nil {
		return Failed, nil, fmt.Sprintf("git diff: %v", err), nil
	}
	total := 0
	for _, line := range nonEmptyLines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		total += ins + del
	}
	min := v.MinLinesChanged
	if total < min {
		return Failed, map[string]any{"lines_changed": total}, fmt.Sprintf("diff changed %d lines, need %d", total, min), nil
	}
	return Passed, map[string]any{"lines_changed": total}, "", nil
}

func verifyGitFilesChanged(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "HEAD~1", "HEAD")
	cmd.Dir = p.Root
	out, err := cmd.Output()
	if err != nil {
		return Failed, nil, fmt.Sprintf("git diff: %v", err), nil
	}
	changed := nonEmptyLines(string(out))

	var unmatched []string
	for _, pattern := range v.Files {
		found := false
		for _, c := range changed {
			ok, err := filepath.Match(pattern, c)
			if err == nil && ok {
				found = true
				break
			}
			if ok, _ := filepath.Match(pattern, filepath.Base(c)); ok {
				found = true
				break
			}
		}
		if !found {
			unmatched = append(unmatched, pattern)
		}
	}
	if len(unmatched) > 0 {
		return Failed, map[string]any{"changed": changed, "unmatched": unmatched}, fmt.Sprintf("required files not in recent diff: %v", unmatched), nil
	}
	return Passed, map[string]any{"changed": changed}, "", nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
