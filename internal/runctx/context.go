// Package runctx implements the context propagation layer: the live,
// mutable state threaded through a factory run, plus the project-context
// gathering that seeds the template namespace available to stage inputs
// and conditions.
package runctx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/averyhale/forge/internal/config"
)

// Context is the live state threaded through a run. It is created once at
// run start and mutated by the executor between stages. During a parallel
// group, stages may read but must not mutate it: ExecuteParallel calls
// RecordStage for a group's stages only after the whole group settles.
// The orchestrator and ExecuteFactory run stages one at a time and record
// each one as it completes.
type Context struct {
	mu sync.RWMutex

	ProjectRoot    string
	RunDir         string
	Variables      map[string]string
	StageOutputs   map[string]map[string]any
	CurrentStage   string
	RecursionCount int
	Learnings      []LearningSnapshot
	StartedAt      time.Time
	Project        *ProjectContext
	Env            map[string]string
}

// LearningSnapshot is the read-only view of a Learning taken at run start;
// the context layer never mutates learnings, it only threads the snapshot
// through to template resolution.
type LearningSnapshot struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	StageID   string `json:"stage_id"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

// New creates a Context for a fresh run.
func New(projectRoot, runDir string, variables map[string]string) *Context {
	return &Context{
		ProjectRoot:  projectRoot,
		RunDir:       runDir,
		Variables:    variables,
		StageOutputs: make(map[string]map[string]any),
		StartedAt:    time.Now(),
		Env:          make(map[string]string),
	}
}

// RecordStage accumulates a completed stage's output into the context.
// Safe for concurrent readers; call only at a group boundary.
func (c *Context) RecordStage(stageID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StageOutputs == nil {
		c.StageOutputs = make(map[string]map[string]any)
	}
	c.StageOutputs[stageID] = output
}

// StageOutput returns the recorded output for a stage, or nil if absent.
func (c *Context) StageOutput(stageID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.StageOutputs[stageID]
}

// IncrementRecursion bumps the loop counter and returns the new value.
func (c *Context) IncrementRecursion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecursionCount++
	return c.RecursionCount
}

// SetCurrentStage records the stage currently executing, for checkpoint
// and status reporting.
func (c *Context) SetCurrentStage(stageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentStage = stageID
}

// TemplateEnv builds the evaluation environment for ResolveTemplate and
// EvaluateExpression: factory variables at the top level, stage outputs
// under "stages", project context under "project", plus recursion state.
func (c *Context) TemplateEnv() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	env := make(map[string]any, len(c.Variables)+4)
	for k, v := range c.Variables {
		env[k] = v
	}

	stages := make(map[string]any, len(c.StageOutputs))
	for id, out := range c.StageOutputs {
		stages[id] = out
	}
	env["stages"] = stages
	env["recursion_count"] = c.RecursionCount
	env["current_stage"] = c.CurrentStage

	if c.Project != nil {
		env["project"] = map[string]any{
			"dir_tree": c.Project.DirTree,
			"git_log":  c.Project.GitLog,
			"files":    c.Project.Files,
		}
	}
	return env
}

// Hash computes the SHA-256 context hash used by checkpoints: a digest of
// {variables, stage-id list} so a checkpoint's validity can be sanity
// checked against a reloaded context without storing the full payload.
func (c *Context) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.StageOutputs))
	for id := range c.StageOutputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payload := struct {
		Variables map[string]string `json:"variables"`
		StageIDs  []string           `json:"stage_ids"`
	}{Variables: c.Variables, StageIDs: ids}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MaxRecursion resolves the factory's max_recursion variable via the
// config package's convention, defaulting to 3.
func MaxRecursion(f *config.Factory) int {
	return f.MaxRecursion()
}
