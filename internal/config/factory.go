// Package config loads and validates factory documents: declarative
// pipelines of stages that the scheduler, executor and orchestrator turn
// into a run.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Recognized stage types.
const (
	StageTypePRD     = "prd"
	StageTypePlan    = "plan"
	StageTypeBuild   = "build"
	StageTypeCustom  = "custom"
	StageTypeFactory = "factory"
)

// Recognized merge strategies for joining parallel branches.
const (
	MergeAny   = "any"
	MergeAll   = "all"
	MergeFirst = "first"
)

var validStageTypes = map[string]bool{
	StageTypePRD:     true,
	StageTypePlan:    true,
	StageTypeBuild:   true,
	StageTypeCustom:  true,
	StageTypeFactory: true,
}

var validMergeStrategies = map[string]bool{
	MergeAny:   true,
	MergeAll:   true,
	MergeFirst: true,
}

// VarEntry holds a single key-value pair from an ordered mapping.
type VarEntry struct {
	Key   string
	Value string
}

// OrderedVars preserves YAML declaration order for the `variables` map,
// the same trick the original phase-based vars map used.
type OrderedVars []VarEntry

// UnmarshalYAML reads a YAML mapping node and preserves key order.
func (ov *OrderedVars) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("config: variables: must be a mapping")
	}
	for i := 0; i < len(value.Content)-1; i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]
		if keyNode.Kind != yaml.ScalarNode {
			return fmt.Errorf("config: variables: key at position %d is not a scalar", i/2+1)
		}
		var v string
		if valNode.Kind == yaml.ScalarNode {
			v = valNode.Value
		} else {
			// Non-scalar variable values (lists, maps) are kept as their
			// original YAML text; the template/expression layer only ever
			// needs string substitution for these.
			out, err := yaml.Marshal(valNode)
			if err != nil {
				return fmt.Errorf("config: variables: %q: %w", keyNode.Value, err)
			}
			v = string(out)
		}
		*ov = append(*ov, VarEntry{Key: keyNode.Value, Value: v})
	}
	return nil
}

// Map returns the variables as a plain map, for callers that don't need
// order.
func (ov OrderedVars) Map() map[string]string {
	m := make(map[string]string, len(ov))
	for _, e := range ov {
		m[e.Key] = e.Value
	}
	return m
}

// StageConfig holds a stage's structured options: iteration count,
// parallelism, timeout in milliseconds, retry count, the worktree flag,
// and any type-specific keys (collected in Extra).
type StageConfig struct {
	Iterations int            `yaml:"iterations"`
	Parallel   int            `yaml:"parallel"`
	TimeoutMS  int            `yaml:"timeout"`
	Retries    int            `yaml:"retries"`
	Worktree   bool           `yaml:"worktree"`
	Extra      map[string]any `yaml:",inline"`
}

// VerifierConfig is a single verifier configuration. Fields are shared
// across verifier kinds; the verify package interprets only the ones its
// kind recognizes.
type VerifierConfig struct {
	Type string `yaml:"type"`

	Paths         []string `yaml:"paths"`
	Pattern       string   `yaml:"pattern"`
	Patterns      []string `yaml:"patterns"`
	MinCommits    int      `yaml:"min_commits"`
	Author        string   `yaml:"author"`
	MessagePattern string  `yaml:"message_pattern"`
	MinLinesChanged int    `yaml:"min_lines_changed"`
	Files         []string `yaml:"files"`
	Command       string   `yaml:"command"`
	MinPassing    int      `yaml:"min_passing"`
	MaxFailing    int      `yaml:"max_failing"`
	MinCoverage   float64  `yaml:"min_coverage"`
	Artifacts     []string `yaml:"artifacts"`
	MaxWarnings   int      `yaml:"max_warnings"`
	ExpectExitCode int     `yaml:"expect_exit_code"`
}

// Stage is a single unit of work in a factory.
type Stage struct {
	ID            string            `yaml:"id"`
	Type          string            `yaml:"type"`
	DependsOn     []string          `yaml:"depends_on"`
	Condition     string            `yaml:"condition"`
	Input         map[string]string `yaml:"input"`
	Config        StageConfig       `yaml:"config"`
	Command       string            `yaml:"command"`
	Factory       string            `yaml:"factory"`
	MergeStrategy string            `yaml:"merge_strategy"`
	LoopTo        string            `yaml:"loop_to"`
	Verify        []VerifierConfig  `yaml:"verify"`
}

// Factory is a named, declarative pipeline.
type Factory struct {
	SchemaVersion string      `yaml:"version"`
	Name          string      `yaml:"name"`
	Variables     OrderedVars `yaml:"variables"`
	Agents        map[string]string `yaml:"agents"`
	Stages        []Stage     `yaml:"stages"`

	SourcePath string `yaml:"-"`
}

// StageByID returns the stage with the given ID, or nil if absent.
func (f *Factory) StageByID(id string) *Stage {
	for i := range f.Stages {
		if f.Stages[i].ID == id {
			return &f.Stages[i]
		}
	}
	return nil
}

// StageIndex returns the index of the stage with the given ID, or -1.
func (f *Factory) StageIndex(id string) int {
	for i, s := range f.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// AgentFor resolves the agent identifier for a logical role, falling back
// to `default`.
func (f *Factory) AgentFor(role string) string {
	if a, ok := f.Agents[role]; ok && a != "" {
		return a
	}
	return f.Agents["default"]
}

// MaxRecursion returns the configured max_recursion variable, defaulting to 3.
func (f *Factory) MaxRecursion() int {
	if v, ok := f.Variables.Map()["max_recursion"]; ok {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return 3
}
