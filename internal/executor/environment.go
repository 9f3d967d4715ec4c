// Package executor implements the imperative executor: it runs stages
// against their inputs, invoking subprocess agents or shells, and collects
// results. It is one of the two peer drivers (the other is
// internal/orchestrator) that sit on top of the shared parser, scheduler,
// verifier, and checkpoint packages.
package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment carries everything a stage dispatch needs beyond the
// factory document itself: the project root, the run directory, the
// resolved agent role map, and a base OS environment snapshotted once per
// run and reused across every subprocess invocation.
type Environment struct {
	ProjectRoot string
	RunDir      string
	RunID       string
	Agents      map[string]string

	baseEnv []string
}

// Vars returns the subprocess environment for a single invocation: the
// snapshotted base environment (os.Environ, filtered) plus the FORGE_*
// variables documented in spec §6, plus any per-call extras.
func (e *Environment) Vars(extra map[string]string) []string {
	if e.baseEnv == nil {
		e.baseEnv = filteredBaseEnv()
	}
	out := make([]string, len(e.baseEnv), len(e.baseEnv)+len(extra)+1)
	copy(out, e.baseEnv)
	out = append(out, "FORGE_ROOT="+e.ProjectRoot)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// filteredBaseEnv snapshots os.Environ once, stripping variables that
// would confuse a nested agent CLI about its own invocation context.
func filteredBaseEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		if strings.HasPrefix(key, "CLAUDECODE") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// ResolveAgentBinary resolves the logical agent identifier for a role to
// an actual executable path, per spec §4.4's deterministic lookup order:
// a bundled binary inside the project, then a dependency-local binary,
// then the bare agent name, which exec resolves through PATH (no shell is
// involved).
func ResolveAgentBinary(projectRoot, agent string) string {
	candidates := []string{
		filepath.Join(projectRoot, ".forge", "bin", agent),
		filepath.Join(projectRoot, "vendor", "bin", agent),
	}
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		candidates = append(candidates, filepath.Join(gobin, agent))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return c
		}
	}
	return agent
}

// AgentFor resolves the agent identifier for a logical role from the
// factory's agents map, falling back to default, then builds the actual
// binary path via ResolveAgentBinary.
func (e *Environment) AgentFor(role string) string {
	id := e.Agents[role]
	if id == "" {
		id = e.Agents["default"]
	}
	return ResolveAgentBinary(e.ProjectRoot, id)
}

// StageDir returns the run-scoped directory for a stage's artifacts,
// creating it if necessary.
func StageDir(runDir, stageID string) (string, error) {
	dir := filepath.Join(runDir, "stages", stageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("executor: creating stage dir: %w", err)
	}
	return dir, nil
}

// nextPRDNumber allocates the next available monotonically increasing
// project-scoped PRD number by scanning the prd directory for existing
// numeric prefixes.
func nextPRDNumber(projectRoot string) (int, error) {
	dir := filepath.Join(projectRoot, ".forge", "prds")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}
