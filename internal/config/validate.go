package config

import (
	"fmt"
	"regexp"
)

var stageIDRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
var varNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParseError is returned for malformed documents, schema violations,
// unknown stage types, or bad expressions.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return "parse: " + e.Msg }

func parseErrorf(format string, args ...any) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

// DependencyError is returned for unknown references, self-dependency,
// duplicate IDs, or cycles.
type DependencyError struct {
	Msg string
}

func (e *DependencyError) Error() string { return "dependency: " + e.Msg }

func dependencyErrorf(format string, args ...any) error {
	return &DependencyError{Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the factory for structural errors and fills in defaults.
// It returns the first violated rule, plus any non-fatal warnings.
func Validate(f *Factory) (warnings []string, err error) {
	if f.Name == "" {
		return nil, parseErrorf("'name' is required")
	}
	if len(f.Stages) == 0 {
		return nil, parseErrorf("must have at least one stage")
	}
	if f.SchemaVersion != "" && f.SchemaVersion != "1" {
		warnings = append(warnings, fmt.Sprintf("unknown schema version %q", f.SchemaVersion))
	}
	if f.Agents == nil || f.Agents["default"] == "" {
		return nil, parseErrorf("'agents.default' is required")
	}

	seenVars := make(map[string]bool)
	for _, v := range f.Variables {
		if v.Key == "" {
			return nil, parseErrorf("variables: empty variable name")
		}
		if !varNameRe.MatchString(v.Key) {
			return nil, parseErrorf("variables: %q is not a valid variable name", v.Key)
		}
		if seenVars[v.Key] {
			return nil, parseErrorf("variables: duplicate variable %q", v.Key)
		}
		seenVars[v.Key] = true
	}

	seen := make(map[string]bool, len(f.Stages))
	ids := make(map[string]int, len(f.Stages))
	for i := range f.Stages {
		s := &f.Stages[i]
		if s.ID == "" {
			return nil, parseErrorf("stage %d: 'id' is required", i+1)
		}
		if !stageIDRe.MatchString(s.ID) {
			return nil, parseErrorf("stage %q: id must match [A-Za-z][A-Za-z0-9_-]*", s.ID)
		}
		if seen[s.ID] {
			return nil, dependencyErrorf("duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
		ids[s.ID] = i

		if !validStageTypes[s.Type] {
			return nil, parseErrorf("stage %q: unknown type %q", s.ID, s.Type)
		}
		switch s.Type {
		case StageTypeCustom:
			if s.Command == "" {
				return nil, parseErrorf("custom stage %q: 'command' is required", s.ID)
			}
		case StageTypeFactory:
			if s.Factory == "" {
				return nil, parseErrorf("factory stage %q: 'factory' is required", s.ID)
			}
		}

		if s.Config.Iterations < 0 {
			return nil, parseErrorf("stage %q: iterations must be >= 0", s.ID)
		}
		if s.Config.Iterations == 0 {
			s.Config.Iterations = 5
		}
		if s.Config.Parallel < 0 {
			return nil, parseErrorf("stage %q: parallel must be >= 0", s.ID)
		}
		if s.Config.Parallel == 0 {
			s.Config.Parallel = 1
		}
		if s.Config.TimeoutMS < 0 {
			return nil, parseErrorf("stage %q: timeout must be >= 0", s.ID)
		}
		if s.Config.Retries < 0 {
			return nil, parseErrorf("stage %q: retries must be >= 0", s.ID)
		}

		if s.MergeStrategy == "" {
			s.MergeStrategy = MergeAny
		} else if !validMergeStrategies[s.MergeStrategy] {
			return nil, parseErrorf("stage %q: unknown merge_strategy %q", s.ID, s.MergeStrategy)
		}

		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, dependencyErrorf("stage %q: self-dependency", s.ID)
			}
		}

		for _, v := range s.Verify {
			if v.Type == "" {
				return nil, parseErrorf("stage %q: verify entry missing 'type'", s.ID)
			}
		}
	}

	// Second pass: references must resolve now that every id is known.
	for i := range f.Stages {
		s := &f.Stages[i]
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, dependencyErrorf("stage %q: depends_on references unknown stage %q", s.ID, dep)
			}
		}
		if s.LoopTo != "" {
			targetIdx, ok := ids[s.LoopTo]
			if !ok {
				return nil, dependencyErrorf("stage %q: loop_to references unknown stage %q", s.ID, s.LoopTo)
			}
			if targetIdx >= i {
				return nil, dependencyErrorf("stage %q: loop_to %q must reference an earlier stage", s.ID, s.LoopTo)
			}
		}
	}

	if cycle := findCycle(f.Stages); cycle != nil {
		return nil, dependencyErrorf("dependency cycle: %v", cycle)
	}

	return warnings, nil
}

// findCycle reports a cycle among depends_on edges (loop_to edges are
// excluded by design — see design notes on loop-to handling).
func findCycle(stages []Stage) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		index[s.ID] = i
	}
	color := make([]int, len(stages))
	var path []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		path = append(path, stages[i].ID)
		for _, dep := range stages[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			switch color[j] {
			case white:
				if visit(j) {
					return true
				}
			case gray:
				cycle = append(append([]string{}, path...), stages[j].ID)
				return true
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return false
	}

	for i := range stages {
		if color[i] == white {
			if visit(i) {
				return cycle
			}
		}
	}
	return nil
}
