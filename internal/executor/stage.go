package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/runctx"
	"github.com/averyhale/forge/internal/verify"
)

// FactoryRunner recurses into a nested factory by name, returning its
// summary as a FactoryOutput. Supplied as a callback rather than an
// import so that the package driving recursion (internal/orchestrator or
// the imperative driver below) can own the recursion policy without
// executor importing it back.
type FactoryRunner func(ctx context.Context, factoryName string, variables map[string]string) (FactoryOutput, error)

// Dispatcher executes individual stages against a live run context. One
// Dispatcher is built per run and shared by every stage in it.
type Dispatcher struct {
	Env       *Environment
	Registry  *Registry
	Emitter   *Emitter
	RunNested FactoryRunner
}

// NewDispatcher builds a Dispatcher for a run.
func NewDispatcher(env *Environment, emitter *Emitter) *Dispatcher {
	return &Dispatcher{Env: env, Registry: NewRegistry(), Emitter: emitter}
}

// ShouldSkip evaluates a stage's condition, if any, against the live
// context. A present condition that resolves to false means the stage
// must be skipped with the documented reason.
func ShouldSkip(stage *config.Stage, rc *runctx.Context) (bool, string) {
	if stage.Condition == "" {
		return false, ""
	}
	val, err := config.EvaluateExpression(stage.Condition, rc.TemplateEnv())
	if err != nil {
		// An ill-typed condition is treated as false with a log, per the
		// ConditionError contract — never as a hard abort.
		fmt.Fprintf(os.Stderr, "executor: stage %s: %v (treated as false)\n", stage.ID, err)
		return true, "condition not met"
	}
	if b, ok := val.(bool); ok && !b {
		return true, "condition not met"
	}
	return false, ""
}

// StageOutcome is the result of dispatching one stage.
type StageOutcome struct {
	Output     map[string]any
	Success    bool
	Verified   *verify.AggregateResult
	Err        error
	Duration   time.Duration
}

// Execute dispatches stage by type, computes success, and runs any
// attached verifiers when the stage looks successful. A verification
// failure downgrades an apparently successful stage to failed.
func (d *Dispatcher) Execute(ctx context.Context, factory *config.Factory, stage *config.Stage, rc *runctx.Context, runStart time.Time) StageOutcome {
	start := time.Now()
	d.Emitter.Emit(EventStageStarted, stage.ID, nil)

	stageDir, err := StageDir(rc.RunDir, stage.ID)
	if err != nil {
		return StageOutcome{Err: err, Duration: time.Since(start)}
	}

	var output map[string]any
	switch stage.Type {
	case config.StageTypePRD:
		output, err = d.runPRD(ctx, stage, rc, stageDir)
	case config.StageTypePlan:
		output, err = d.runPlan(ctx, stage, rc, stageDir)
	case config.StageTypeBuild:
		output, err = d.runBuild(ctx, stage, rc, stageDir)
	case config.StageTypeCustom:
		output, err = d.runCustom(ctx, stage, rc, stageDir)
	case config.StageTypeFactory:
		output, err = d.runFactory(ctx, stage, rc)
	default:
		err = fmt.Errorf("executor: unknown stage type %q", stage.Type)
	}
	if err != nil {
		d.Emitter.Emit(EventStageFailed, stage.ID, err.Error())
		return StageOutcome{Output: output, Err: err, Duration: time.Since(start)}
	}

	success := successOf(output)

	var agg *verify.AggregateResult
	if success && len(stage.Verify) > 0 {
		env := rc.TemplateEnv()
		agg, err = verify.RunAllVerifications(ctx, stage.Verify, rc.ProjectRoot, runStart, env)
		if err != nil {
			d.Emitter.Emit(EventStageFailed, stage.ID, err.Error())
			return StageOutcome{Output: output, Err: err, Duration: time.Since(start)}
		}
		d.Emitter.Emit(EventVerificationResult, stage.ID, agg)
		if !agg.Passed() {
			success = false
		}
	}

	if success {
		d.Emitter.Emit(EventStageCompleted, stage.ID, output)
	} else {
		d.Emitter.Emit(EventStageFailed, stage.ID, output)
	}

	return StageOutcome{Output: output, Success: success, Verified: agg, Duration: time.Since(start)}
}

func (d *Dispatcher) resolvedInput(stage *config.Stage, rc *runctx.Context) map[string]string {
	env := rc.TemplateEnv()
	out := make(map[string]string, len(stage.Input))
	for k, v := range stage.Input {
		out[k] = config.ResolveTemplate(v, env)
	}
	return out
}

func (d *Dispatcher) runPRD(ctx context.Context, stage *config.Stage, rc *runctx.Context, stageDir string) (map[string]any, error) {
	input := d.resolvedInput(stage, rc)
	request := input["request"]

	n, err := nextPRDNumber(rc.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("executor: allocating prd number: %w", err)
	}

	prdPath := filepath.Join(stageDir, "request.txt")
	if err := os.WriteFile(prdPath, []byte(request), 0644); err != nil {
		return nil, fmt.Errorf("executor: writing prd request: %w", err)
	}

	binary := d.Env.AgentFor(config.StageTypePRD)
	extra := map[string]string{"PRD_NUMBER": fmt.Sprintf("%d", n)}
	vars := d.Env.Vars(extra)
	logFile, _ := os.OpenFile(filepath.Join(stageDir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if logFile != nil {
		defer logFile.Close()
	}

	res, err := RunBinary(ctx, binary, []string{"prd", fmt.Sprintf("%d", n), "--headless"}, RunOptions{
		Dir: rc.ProjectRoot, Env: vars, TimeoutMS: stage.Config.TimeoutMS, LogFile: logFile, Registry: d.Registry,
	})
	if err != nil {
		return nil, err
	}

	out := PRDOutput{
		PRDNumber: n,
		PRDPath:   prdPath,
		Request:   request,
		Success:   res.ExitCode == 0 && !res.TimedOut,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
	}
	return toMap(out), nil
}

func (d *Dispatcher) runPlan(ctx context.Context, stage *config.Stage, rc *runctx.Context, stageDir string) (map[string]any, error) {
	prdNumber := resolvePRDNumber(stage, rc)

	binary := d.Env.AgentFor(config.StageTypePlan)
	vars := d.Env.Vars(nil)
	logFile, _ := os.OpenFile(filepath.Join(stageDir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if logFile != nil {
		defer logFile.Close()
	}

	res, err := RunBinary(ctx, binary, []string{"plan", fmt.Sprintf("%d", prdNumber), "--headless"}, RunOptions{
		Dir: rc.ProjectRoot, Env: vars, TimeoutMS: stage.Config.TimeoutMS, LogFile: logFile, Registry: d.Registry,
	})
	if err != nil {
		return nil, err
	}

	planPath := filepath.Join(stageDir, "plan.md")
	unchecked, _ := countStoryMarkers(res.Combined)
	if _, err := os.Stat(planPath); err == nil {
		if data, rerr := os.ReadFile(planPath); rerr == nil {
			u, _ := countStoryMarkers(string(data))
			unchecked = u
		}
	}

	out := PlanOutput{
		PRDNumber:    prdNumber,
		PlanPath:     planPath,
		StoriesCount: unchecked,
		Success:      res.ExitCode == 0 && !res.TimedOut,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
	}
	return toMap(out), nil
}

func (d *Dispatcher) runBuild(ctx context.Context, stage *config.Stage, rc *runctx.Context, stageDir string) (map[string]any, error) {
	prdNumber := resolvePRDNumber(stage, rc)
	iterations := stage.Config.Iterations
	if iterations <= 0 {
		iterations = 5
	}

	binary := d.Env.AgentFor(config.StageTypeBuild)
	vars := d.Env.Vars(nil)
	logFile, _ := os.OpenFile(filepath.Join(stageDir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if logFile != nil {
		defer logFile.Close()
	}

	var last *ProcessResult
	for i := 0; i < iterations; i++ {
		res, err := RunBinary(ctx, binary, []string{"build", fmt.Sprintf("%d", prdNumber), "--headless"}, RunOptions{
			Dir: rc.ProjectRoot, Env: vars, TimeoutMS: stage.Config.TimeoutMS, LogFile: logFile, Registry: d.Registry,
		})
		if err != nil {
			return nil, err
		}
		last = res
		if res.ExitCode != 0 || res.TimedOut {
			break
		}
	}

	planPath := filepath.Join(stageDir, "..", "plan", "plan.md")
	_, checked := countStoryMarkers(last.Combined)
	if data, rerr := os.ReadFile(planPath); rerr == nil {
		_, c := countStoryMarkers(string(data))
		checked = c
	}

	out := BuildOutput{
		PRDNumber:        prdNumber,
		Iterations:       iterations,
		CompletedStories: checked,
		Success:          last.ExitCode == 0 && !last.TimedOut,
		Stdout:           last.Stdout,
		Stderr:           last.Stderr,
	}
	return toMap(out), nil
}

func (d *Dispatcher) runCustom(ctx context.Context, stage *config.Stage, rc *runctx.Context, stageDir string) (map[string]any, error) {
	env := rc.TemplateEnv()
	command := config.ResolveTemplate(stage.Command, env)

	logFile, _ := os.OpenFile(filepath.Join(stageDir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if logFile != nil {
		defer logFile.Close()
	}

	res, err := RunShell(ctx, command, RunOptions{
		Dir: rc.ProjectRoot, Env: d.Env.Vars(nil), TimeoutMS: stage.Config.TimeoutMS, LogFile: logFile, Registry: d.Registry,
	})
	if err != nil {
		return nil, err
	}

	out := CustomOutput{
		Command:  command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if looksLikeTestRunner(command) {
		if counts, ok := verify.ParseTestCounts(res.Combined); ok {
			out.Passed = counts.Passing
			out.Failed = counts.Failing
		}
	}
	return toMap(out), nil
}

func (d *Dispatcher) runFactory(ctx context.Context, stage *config.Stage, rc *runctx.Context) (map[string]any, error) {
	if d.RunNested == nil {
		return nil, fmt.Errorf("executor: stage %q is type factory but no nested-factory runner is configured", stage.ID)
	}
	vars := d.resolvedInput(stage, rc)
	result, err := d.RunNested(ctx, stage.Factory, vars)
	if err != nil {
		result = FactoryOutput{Factory: stage.Factory, Success: false, State: "FAILED", Error: err.Error()}
	}
	return toMap(result), nil
}

// resolvePRDNumber reads the prd number from the stage's own resolved
// input first, falling back to the output of the first stage it depends on
// whose output carries a prd_number.
func resolvePRDNumber(stage *config.Stage, rc *runctx.Context) int {
	if v, ok := stage.Input["prd_number"]; ok {
		resolved := config.ResolveTemplate(v, rc.TemplateEnv())
		var n int
		if _, err := fmt.Sscanf(resolved, "%d", &n); err == nil {
			return n
		}
	}
	for _, dep := range stage.DependsOn {
		if out := rc.StageOutput(dep); out != nil {
			if v, ok := out["prd_number"]; ok {
				switch n := v.(type) {
				case float64:
					return int(n)
				case int:
					return n
				}
			}
		}
	}
	return 0
}

func looksLikeTestRunner(command string) bool {
	lower := strings.ToLower(command)
	for _, marker := range []string{"test", "jest", "pytest", "rspec", "go test", "vitest", "mocha"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// newRunID mints a timestamp-prefixed, collision-resistant run ID.
func newRunID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
}
