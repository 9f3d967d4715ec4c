package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"

	"github.com/averyhale/forge/internal/checkpoint"
	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/executor"
	"github.com/averyhale/forge/internal/learnings"
	"github.com/averyhale/forge/internal/metrics"
	"github.com/averyhale/forge/internal/orchestrator"
	"github.com/averyhale/forge/internal/report"
	"github.com/averyhale/forge/internal/runctx"
	"github.com/averyhale/forge/internal/scheduler"
	"github.com/averyhale/forge/internal/ux"
)

func main() {
	app := &cli.Command{
		Name:  "forge",
		Usage: "Declarative factory orchestrator",
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			resumeCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ux.Red, ux.Reset, err)
		os.Exit(1)
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a factory",
		ArgsUsage: "<factory>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "continue-on-failure", Usage: "Keep running independent branches after a stage fails"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("factory argument is required")
			}

			projectRoot, err := findProjectRoot()
			if err != nil {
				return err
			}

			factory, warnings, err := config.Load(factoryPath(projectRoot, name))
			if err != nil {
				return fmt.Errorf("loading factory: %w", err)
			}
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "%swarning:%s %s\n", ux.Yellow, ux.Reset, w)
			}

			runDir, err := newRunDir(projectRoot, name)
			if err != nil {
				return err
			}

			rc := runctx.New(projectRoot, runDir, factory.Variables.Map())
			rc.Project = runctx.GatherProject(projectRoot)

			store, err := openLearnings(projectRoot)
			if err != nil {
				return fmt.Errorf("opening learnings store: %w", err)
			}
			defer store.Close()
			recent, err := store.Recent(ctx, 100)
			if err != nil {
				return fmt.Errorf("loading learnings: %w", err)
			}
			rc.Learnings = learnings.Snapshots(recent)

			dispatcher := newDispatcher(projectRoot, runDir, factory, store)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runFactory(ctx, factory, rc, dispatcher, store, cmd.Bool("continue-on-failure"))
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the status of a factory's most recent run",
		ArgsUsage: "<factory>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("factory argument is required")
			}

			projectRoot, err := findProjectRoot()
			if err != nil {
				return err
			}

			factory, _, err := config.Load(factoryPath(projectRoot, name))
			if err != nil {
				return fmt.Errorf("loading factory: %w", err)
			}

			runDir, err := latestRunDir(projectRoot, name)
			if err != nil {
				return err
			}

			cp, err := checkpoint.Load(runDir)
			if err != nil {
				return fmt.Errorf("loading checkpoint: %w", err)
			}

			ux.RenderStatus(factory, cp, runDir)
			return nil
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a factory's most recent interrupted run",
		ArgsUsage: "<factory>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "continue-on-failure", Usage: "Keep running independent branches after a stage fails"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("factory argument is required")
			}

			projectRoot, err := findProjectRoot()
			if err != nil {
				return err
			}

			factory, _, err := config.Load(factoryPath(projectRoot, name))
			if err != nil {
				return fmt.Errorf("loading factory: %w", err)
			}

			runDir, err := latestRunDir(projectRoot, name)
			if err != nil {
				return err
			}

			rc := runctx.New(projectRoot, runDir, factory.Variables.Map())
			rc.Project = runctx.GatherProject(projectRoot)

			store, err := openLearnings(projectRoot)
			if err != nil {
				return fmt.Errorf("opening learnings store: %w", err)
			}
			defer store.Close()
			recent, err := store.Recent(ctx, 100)
			if err != nil {
				return fmt.Errorf("loading learnings: %w", err)
			}
			rc.Learnings = learnings.Snapshots(recent)

			dispatcher := newDispatcher(projectRoot, runDir, factory, store)

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			o, remaining, err := orchestrator.ResumeFromCheckpoint(factory, rc, dispatcher, m, orchestratorOptions(factory, cmd.Bool("continue-on-failure")))
			if err != nil {
				return fmt.Errorf("resuming: %w", err)
			}
			fmt.Printf("resuming %q: %d stage(s) remaining\n", name, len(remaining))

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := o.Run(sigCtx)
			appendRunLearning(ctx, store, factory.Name, summary)
			return reportOutcome(factory, name, runDir, summary, err)
		},
	}
}

// runFactory picks the FSM-driven orchestrator path when FORGE_FACTORY_FSM
// is set, otherwise the imperative path — the dual-layer engine's single
// external toggle.
func runFactory(ctx context.Context, factory *config.Factory, rc *runctx.Context, dispatcher *executor.Dispatcher, store *learnings.Store, continueOnFailure bool) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if os.Getenv("FORGE_FACTORY_FSM") != "" {
		o, err := orchestrator.New(factory, rc, dispatcher, m, orchestratorOptions(factory, continueOnFailure))
		if err != nil {
			return fmt.Errorf("building orchestrator: %w", err)
		}
		summary, err := o.Run(ctx)
		appendRunLearning(ctx, store, factory.Name, summary)
		return reportOutcome(factory, factory.Name, rc.RunDir, summary, err)
	}

	graph := scheduler.BuildGraph(factory.Stages)
	order, err := scheduler.TopologicalOrder(graph)
	if err != nil {
		return fmt.Errorf("scheduling: %w", err)
	}

	opts := executor.FactoryRunOptions{ContinueOnFailure: continueOnFailure, MaxRecursion: factory.MaxRecursion()}
	summary, err := dispatcher.ExecuteFactory(ctx, factory, order, rc, opts)
	appendRunLearning(ctx, store, factory.Name, summary)
	return reportOutcome(factory, factory.Name, rc.RunDir, summary, err)
}

// appendRunLearning records a single project-scoped learning summarizing
// the run outcome, so a later run's template namespace can see it via the
// learnings snapshot taken at its own start.
func appendRunLearning(ctx context.Context, store *learnings.Store, factoryName string, summary *executor.Summary) {
	if store == nil || summary == nil {
		return
	}
	kind := "run_success"
	stageID := ""
	text := fmt.Sprintf("factory %q completed (%d stages)", factoryName, len(summary.Completed))
	if !summary.Success {
		kind = "run_failure"
		if len(summary.Failed) > 0 {
			stageID = summary.Failed[0]
		}
		text = fmt.Sprintf("factory %q failed at stage(s) %v", factoryName, summary.Failed)
	}
	l := learnings.Learning{ID: uuid.New().String(), Kind: kind, StageID: stageID, Summary: text}
	if err := store.Append(ctx, l); err != nil {
		fmt.Fprintf(os.Stderr, "%swarning:%s recording learning: %v\n", ux.Yellow, ux.Reset, err)
	}
}

func orchestratorOptions(factory *config.Factory, continueOnFailure bool) orchestrator.Options {
	return orchestrator.Options{
		ContinueOnFailure: continueOnFailure,
		MaxRecursion:      factory.MaxRecursion(),
		FactoryFSMEnabled: os.Getenv("FORGE_FACTORY_FSM") != "",
	}
}

func reportOutcome(factory *config.Factory, name, runDir string, summary *executor.Summary, err error) error {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}
	if summary == nil {
		return err
	}
	for _, id := range summary.Completed {
		ux.StageComplete(id, 0)
	}
	for _, id := range summary.Skipped {
		ux.StageSkip(id, "condition not met")
	}
	if summary.Success {
		ux.Success(len(summary.Completed))
		return nil
	}

	var stages []report.StageFailure
	for _, id := range summary.Failed {
		stage := factory.StageByID(id)
		if stage == nil {
			continue
		}
		stages = append(stages, report.GatherStageFailure(runDir, stage, "stage did not complete", nil))
	}
	failure := report.FactoryFailure{FactoryName: name, FailedIDs: summary.Failed, Stages: stages}
	fmt.Print(failure.Render())
	ux.FactoryFail(summary.Failed)
	ux.ResumeHint(name)
	return fmt.Errorf("factory %q failed", name)
}

func newDispatcher(projectRoot, runDir string, factory *config.Factory, store *learnings.Store) *executor.Dispatcher {
	env := &executor.Environment{ProjectRoot: projectRoot, RunDir: runDir, RunID: filepath.Base(runDir), Agents: factory.Agents}
	emitter := executor.NewEmitter(64)
	go drainEvents(emitter)

	d := executor.NewDispatcher(env, emitter)
	d.RunNested = func(ctx context.Context, nestedName string, variables map[string]string) (executor.FactoryOutput, error) {
		nested, _, err := config.Load(factoryPath(projectRoot, nestedName))
		if err != nil {
			return executor.FactoryOutput{}, err
		}
		nestedRunDir, err := newRunDir(projectRoot, nestedName)
		if err != nil {
			return executor.FactoryOutput{}, err
		}
		merged := nested.Variables.Map()
		for k, v := range variables {
			merged[k] = v
		}
		nestedCtx := runctx.New(projectRoot, nestedRunDir, merged)
		nestedCtx.Project = runctx.GatherProject(projectRoot)

		nestedDispatcher := newDispatcher(projectRoot, nestedRunDir, nested, store)
		graph := scheduler.BuildGraph(nested.Stages)
		order, err := scheduler.TopologicalOrder(graph)
		if err != nil {
			return executor.FactoryOutput{}, err
		}
		summary, err := nestedDispatcher.ExecuteFactory(ctx, nested, order, nestedCtx,
			executor.FactoryRunOptions{MaxRecursion: nested.MaxRecursion()})
		if err != nil {
			return executor.FactoryOutput{Factory: nestedName, Success: false, State: "FAILED", Error: err.Error()}, nil
		}
		state := "COMPLETED"
		if !summary.Success {
			state = "FAILED"
		}
		return executor.FactoryOutput{Factory: nestedName, RunID: summary.RunID, Success: summary.Success, State: state}, nil
	}
	return d
}

// drainEvents prints stage lifecycle events as they arrive. It exits when
// the emitter is closed; callers never close it mid-run in practice since
// the process exits at the end of Action.
func drainEvents(e *executor.Emitter) {
	for ev := range e.Events() {
		switch ev.Kind {
		case executor.EventStageStarted:
			ux.Output(ev.StageID, "started")
		case executor.EventStageFailed:
			ux.StageFail(ev.StageID, fmt.Sprint(ev.Data))
		case executor.EventStageSkipped:
			ux.StageSkip(ev.StageID, fmt.Sprint(ev.Data))
		}
	}
}

func openLearnings(projectRoot string) (*learnings.Store, error) {
	return learnings.Open(filepath.Join(projectRoot, ".forge", "learnings.db"))
}

func factoryPath(projectRoot, name string) string {
	if filepath.IsAbs(name) || filepath.Ext(name) == ".yaml" || filepath.Ext(name) == ".yml" {
		return name
	}
	return filepath.Join(projectRoot, ".forge", "factories", name+".yaml")
}

func newRunDir(projectRoot, name string) (string, error) {
	runID := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
	dir := filepath.Join(projectRoot, ".forge", "runs", name, runID)
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}
	return dir, nil
}

func latestRunDir(projectRoot, name string) (string, error) {
	base := filepath.Join(projectRoot, ".forge", "runs", name)
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("no runs found for factory %q: %w", name, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no runs found for factory %q", name)
	}
	sort.Strings(names)
	return filepath.Join(base, names[len(names)-1]), nil
}

// findProjectRoot walks up from cwd looking for a .forge directory.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".forge")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .forge directory found (searched from cwd to root)")
		}
		dir = parent
	}
}
