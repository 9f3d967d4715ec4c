package executor

import "encoding/json"

// PRDOutput is the prd stage's output payload.
type PRDOutput struct {
	PRDNumber int    `json:"prd_number"`
	PRDPath   string `json:"prd_path"`
	Request   string `json:"request"`
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// PlanOutput is the plan stage's output payload.
type PlanOutput struct {
	PRDNumber    int    `json:"prd_number"`
	PlanPath     string `json:"plan_path"`
	StoriesCount int    `json:"stories_count"`
	Success      bool   `json:"success"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
}

// BuildOutput is the build stage's output payload.
type BuildOutput struct {
	PRDNumber        int    `json:"prd_number"`
	Iterations       int    `json:"iterations"`
	CompletedStories int    `json:"completed_stories"`
	Success          bool   `json:"success"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
}

// CustomOutput is the custom stage's output payload. TestResults and
// Failures are left as raw JSON since a shell command's own test runner
// defines their shape; verifiers that need structure re-parse them.
type CustomOutput struct {
	Command     string          `json:"command"`
	Passed      int             `json:"passed"`
	Failed      int             `json:"failed"`
	ExitCode    int             `json:"exit_code"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	TestResults json.RawMessage `json:"test_results,omitempty"`
	Failures    json.RawMessage `json:"failures,omitempty"`
	ErrorSummary string         `json:"error_summary,omitempty"`
}

// FactoryOutput is the factory (nested) stage's output payload.
type FactoryOutput struct {
	Factory string `json:"factory"`
	RunID   string `json:"run_id"`
	Success bool   `json:"success"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// toMap round-trips a typed envelope through JSON into a map[string]any,
// which is the shape runctx.Context.RecordStage and the template
// environment expect for dotted-path access (stages.foo.bar).
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// successOf applies the ordered success-determination policy from the
// executor's per-stage procedure: an explicit "success" field wins, then
// "passed"/"failed" booleans, then exit_code != 0 means failure.
func successOf(output map[string]any) bool {
	if v, ok := output["success"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	if v, ok := output["passed"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	if v, ok := output["failed"]; ok {
		if b, ok := v.(bool); ok {
			return !b
		}
	}
	if v, ok := output["exit_code"]; ok {
		switch n := v.(type) {
		case float64:
			return n == 0
		case int:
			return n == 0
		}
	}
	return true
}
