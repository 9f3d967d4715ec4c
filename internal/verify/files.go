package verify

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/averyhale/forge/internal/config"
)

func verifyFileExists(v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	var missing []string
	for _, raw := range v.Paths {
		path := resolvePath(p, raw)
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, raw)
		}
	}
	if len(missing) > 0 {
		return Failed, map[string]any{"missing": missing}, fmt.Sprintf("missing files: %v", missing), nil
	}
	return Passed, map[string]any{"paths": v.Paths}, "", nil
}

func verifyFileContains(v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	if len(v.Paths) == 0 {
		return Failed, nil, "file_contains: no path given", nil
	}
	path := resolvePath(p, v.Paths[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return Failed, nil, fmt.Sprintf("reading %s: %v", v.Paths[0], err), nil
	}

	patterns := v.Patterns
	if v.Pattern != "" {
		patterns = append(patterns, v.Pattern)
	}
	var unmatched []string
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return Failed, nil, fmt.Sprintf("invalid pattern %q: %v", pat, err), nil
		}
		if !re.Match(data) {
			unmatched = append(unmatched, pat)
		}
	}
	if len(unmatched) > 0 {
		return Failed, map[string]any{"unmatched": unmatched}, fmt.Sprintf("patterns not found: %v", unmatched), nil
	}
	return Passed, map[string]any{"path": v.Paths[0]}, "", nil
}

func verifyFileChanged(ctx context.Context, v config.VerifierConfig, p runParams) (Status, map[string]any, string, error) {
	var stale []string
	for _, raw := range v.Paths {
		path := resolvePath(p, raw)
		if fileChangedSince(ctx, p.Root, path, p.RunStart) {
			continue
		}
		stale = append(stale, raw)
	}
	if len(stale) > 0 {
		return Failed, map[string]any{"unchanged": stale}, fmt.Sprintf("unchanged since run start: %v", stale), nil
	}
	return Passed, map[string]any{"paths": v.Paths}, "", nil
}
