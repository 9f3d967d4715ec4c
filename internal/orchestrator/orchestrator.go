// Package orchestrator implements the FSM-driven driver: it advances the
// Factory FSM plus one Stage FSM per stage through actual execution,
// writing a checkpoint after every stage so a run survives interruption.
// It is the second of the two peer drivers described in the design — the
// other is the imperative path in internal/executor.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/averyhale/forge/internal/checkpoint"
	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/executor"
	"github.com/averyhale/forge/internal/fsm"
	"github.com/averyhale/forge/internal/metrics"
	"github.com/averyhale/forge/internal/runctx"
	"github.com/averyhale/forge/internal/scheduler"
)

// Options configures a run.
type Options struct {
	ContinueOnFailure bool
	MaxRecursion      int
	FactoryFSMEnabled bool // mirrors FORGE_FACTORY_FSM
}

// Orchestrator owns the FSM-driven main loop for one factory run.
type Orchestrator struct {
	Factory    *config.Factory
	Graph      *scheduler.Graph
	Context    *runctx.Context
	Dispatcher *executor.Dispatcher
	Metrics    *metrics.Metrics
	Options    Options

	factoryFSM *fsm.FactoryMachine
	stageFSMs  map[string]*fsm.StageMachine
	runID      string
	runStart   time.Time
}

// New builds an Orchestrator for a fresh run, constructing a Stage FSM per
// stage starting in PENDING.
func New(factory *config.Factory, rc *runctx.Context, dispatcher *executor.Dispatcher, m *metrics.Metrics, opts Options) (*Orchestrator, error) {
	graph := scheduler.BuildGraph(factory.Stages)
	if _, err := scheduler.TopologicalOrder(graph); err != nil {
		return nil, err
	}
	if opts.MaxRecursion <= 0 {
		opts.MaxRecursion = factory.MaxRecursion()
	}

	o := &Orchestrator{
		Factory: factory, Graph: graph, Context: rc, Dispatcher: dispatcher, Metrics: m, Options: opts,
		factoryFSM: fsm.NewFactoryMachine(opts.ContinueOnFailure),
		stageFSMs:  make(map[string]*fsm.StageMachine, len(factory.Stages)),
		runID:      rc.RunDir,
	}
	for _, s := range factory.Stages {
		// maxLoops is shared with the run-wide max_recursion bound: the
		// per-stage LOOP guard and the orchestrator's own loopCount check
		// enforce the same ceiling from two angles, so a stage can never
		// loop past what the factory allows even if driven directly.
		o.stageFSMs[s.ID] = fsm.NewStageMachine(s.ID, len(s.Verify) > 0, s.Config.Retries, opts.MaxRecursion)
	}
	return o, nil
}

// ResumeFromCheckpoint loads the latest checkpoint for runDir, validates
// it against factory, reconstructs FSM state (verbatim for an FSM-aware
// checkpoint, or from the completed/failed/skipped lists for a legacy
// one), and returns an Orchestrator positioned to resume from the next
// ready stage.
func ResumeFromCheckpoint(factory *config.Factory, rc *runctx.Context, dispatcher *executor.Dispatcher, m *metrics.Metrics, opts Options) (*Orchestrator, []string, error) {
	cp, err := checkpoint.Load(rc.RunDir)
	if err != nil {
		return nil, nil, err
	}
	if cp.Version == checkpoint.VersionLegacy {
		cp = checkpoint.MigrateLegacy(cp)
	}

	valid, err := checkpoint.Validate(cp, factory, vcsCommit(rc.ProjectRoot))
	if err != nil {
		return nil, nil, err
	}
	// Warnings (VCS drift, unknown stage references) are printed, not fatal.
	for _, w := range valid.Warnings {
		fmt.Fprintf(os.Stderr, "orchestrator: resume warning: %s\n", w)
	}

	o, err := New(factory, rc, dispatcher, m, opts)
	if err != nil {
		return nil, nil, err
	}
	o.runID = cp.RunID
	rc.RecursionCount = cp.RecursionCount

	if cp.FSM != nil {
		o.factoryFSM = fsm.RestoreFactoryMachine(cp.FSM.Factory, opts.ContinueOnFailure)
		for id, snap := range cp.FSM.Stages {
			o.stageFSMs[id] = fsm.RestoreStageMachine(id, snap)
		}
	} else {
		// Legacy checkpoint: reconstruct from the completed/failed/skipped
		// sets. Retry counts and transition history cannot be recovered:
		// failed stages are driven straight to FAILED with their budget
		// zeroed, and every stage in no set starts from a fresh machine with
		// its full configured retry budget — a resumed run may re-attempt a
		// stage that had already burned retries before the interruption. This tradeoff is
		// recorded as a deliberate decision, not an oversight.
		o.factoryFSM = fsm.NewFactoryMachine(opts.ContinueOnFailure)
		o.factoryFSM.Send(fsm.EventStart, nil)
		for _, id := range cp.Completed {
			if sm := o.stageFSMs[id]; sm != nil {
				sm.Fire(fsm.StageEventDepsMet, nil)
				sm.Fire(fsm.StageEventExecute, nil)
				sm.Fire(fsm.StageEventExecSuccess, nil)
			}
		}
		for _, id := range cp.Failed {
			if sm := o.stageFSMs[id]; sm != nil {
				sm.Fire(fsm.StageEventDepsMet, nil)
				sm.Fire(fsm.StageEventExecute, nil)
				sm.RetriesLeft = 0
				sm.Fire(fsm.StageEventExecFailed, nil)
			}
		}
		for _, id := range cp.Skipped {
			if sm := o.stageFSMs[id]; sm != nil {
				sm.Fire(fsm.StageEventSkip, nil)
			}
		}
	}

	remaining := checkpoint.GetRemainingStages(graphOrder(o.Graph), cp)
	o.factoryFSM.Send(fsm.EventResume, nil)
	return o, remaining, nil
}

// Run drives the main loop to completion (or to the first unrecoverable
// error) and returns the run summary.
func (o *Orchestrator) Run(ctx context.Context) (*executor.Summary, error) {
	o.runStart = time.Now()
	if o.factoryFSM.Current == fsm.FactoryIdle {
		o.factoryFSM.Send(fsm.EventStart, nil)
	}

	summary := &executor.Summary{RunID: o.runID, StartedAt: o.runStart}
	loopCount := o.Context.RecursionCount

	for {
		if o.factoryFSM.Current == fsm.FactoryStopped {
			summary.EndedAt = time.Now()
			return summary, nil
		}
		ready, allTerminal := o.computeReady()
		if len(ready) == 0 {
			if allTerminal {
				break
			}
			return nil, fmt.Errorf("orchestrator: no ready stages but run has not settled (deadlock in dependency graph)")
		}

		for _, stageID := range ready {
			stage := o.Factory.StageByID(stageID)
			sm := o.stageFSMs[stageID]

			if sm.Current == fsm.StagePending {
				if skip, reason := executor.ShouldSkip(stage, o.Context); skip {
					sm.Fire(fsm.StageEventConditionFalse, reason)
					summary.Skipped = append(summary.Skipped, stageID)
					o.checkpointAfter(stageID, "skipped", loopCount)
					continue
				}
				sm.Fire(fsm.StageEventDepsMet, nil)
			}

			if err := o.executeStage(ctx, stage, sm); err != nil {
				summary.Failed = append(summary.Failed, stageID)
				o.checkpointAfter(stageID, "failed", loopCount)
				if o.Metrics != nil {
					o.Metrics.RecordStageFailure(stageID)
				}
				if !o.Options.ContinueOnFailure {
					o.factoryFSM.Send(fsm.EventAnyFailed, nil)
					summary.EndedAt = time.Now()
					return summary, nil
				}
				continue
			}

			summary.Completed = append(summary.Completed, stageID)
			o.checkpointAfter(stageID, "completed", loopCount)

			if stage.LoopTo != "" && loopCount < o.Options.MaxRecursion {
				if o.rewind(stage, sm) {
					loopCount = o.Context.IncrementRecursion()
					if o.Metrics != nil {
						o.Metrics.RecordLoop(stage.ID)
					}
				}
			}
		}
	}

	summary.EndedAt = time.Now()
	if len(summary.Failed) == 0 {
		o.factoryFSM.Send(fsm.EventAllCompleted, nil)
		summary.Success = true
	} else {
		o.factoryFSM.Send(fsm.EventAnyFailed, nil)
	}
	return summary, nil
}

// Stop marks the orchestrator externally halted: it stops every tracked
// subprocess and fires STOP on the Factory FSM. The main loop exits after
// the current group settles (the caller must not call Run again after).
func (o *Orchestrator) Stop() {
	if o.Dispatcher != nil && o.Dispatcher.Registry != nil {
		o.Dispatcher.Registry.StopAll()
	}
	o.factoryFSM.Send(fsm.EventStop, nil)
}

// computeReady walks every non-terminal stage FSM. A PENDING or LOOPING
// stage whose dependencies are all terminal is returned as ready if every
// dependency completed; a PENDING one with a failed or skipped dependency
// gets DEPS_FAILED (-> SKIPPED). DEPS_MET is left to Run, which fires it
// after checking the stage's condition, so a false condition still takes
// PENDING -> SKIPPED. Stages already in READY are returned as well. The
// second result reports whether every stage has reached a terminal state.
func (o *Orchestrator) computeReady() ([]string, bool) {
	var ready []string
	allTerminal := true

	for _, id := range graphOrder(o.Graph) {
		sm := o.stageFSMs[id]
		if sm.IsTerminal() {
			continue
		}
		allTerminal = false

		if sm.Current == fsm.StageReady {
			ready = append(ready, id)
			continue
		}
		if sm.Current != fsm.StagePending && sm.Current != fsm.StageLooping {
			continue
		}

		deps := o.Graph.Reverse[id]
		depsSettled := true
		depsFailed := false
		for _, dep := range deps {
			depSM := o.stageFSMs[dep]
			if depSM == nil || !depSM.IsTerminal() {
				depsSettled = false
				break
			}
			if depSM.Current == fsm.StageFailed || depSM.Current == fsm.StageSkipped {
				depsFailed = true
			}
		}
		if !depsSettled {
			continue
		}
		if depsFailed {
			sm.Fire(fsm.StageEventDepsFailed, nil)
		} else {
			ready = append(ready, id)
		}
	}
	return ready, allTerminal
}

// executeStage drives one stage's FSM from READY (or LOOPING, after a
// loop_to rewind) through EXECUTING,
// optional VERIFYING, to COMPLETED or FAILED, retrying on raw execution
// failure while retries remain.
func (o *Orchestrator) executeStage(ctx context.Context, stage *config.Stage, sm *fsm.StageMachine) error {
	o.Context.SetCurrentStage(stage.ID)
	hasVerification := len(stage.Verify) > 0
	started := time.Now()
	if o.Metrics != nil {
		o.Metrics.RecordStageStarted(stage.ID)
	}

	for {
		sm.Fire(fsm.StageEventExecute, nil)
		outcome := o.Dispatcher.Execute(ctx, o.Factory, stage, o.Context, o.runStart)

		switch {
		case outcome.Err != nil:
			sm.Fire(fsm.StageEventExecFailed, outcome.Err.Error())
			if sm.Current == fsm.StageRetrying {
				if o.Metrics != nil {
					o.Metrics.RecordRetry(stage.ID)
				}
				sm.Fire(fsm.StageEventRetry, nil)
				continue
			}
			return outcome.Err

		case outcome.Verified != nil && !outcome.Verified.Passed():
			sm.Fire(fsm.StageEventExecSuccess, nil) // -> VERIFYING (hasVerification guard)
			sm.Fire(fsm.StageEventVerifyFail, outcome.Verified.Message)
			return fmt.Errorf("stage %s: %s", stage.ID, outcome.Verified.Message)

		case !outcome.Success:
			sm.Fire(fsm.StageEventExecFailed, "stage reported failure")
			if sm.Current == fsm.StageRetrying {
				if o.Metrics != nil {
					o.Metrics.RecordRetry(stage.ID)
				}
				sm.Fire(fsm.StageEventRetry, nil)
				continue
			}
			return fmt.Errorf("stage %s: reported failure", stage.ID)

		default:
			sm.Fire(fsm.StageEventExecSuccess, nil)
			if hasVerification {
				sm.Fire(fsm.StageEventVerifyPass, nil)
			}
			o.Context.RecordStage(stage.ID, outcome.Output)
			if o.Metrics != nil {
				o.Metrics.RecordStageCompleted(stage.ID, time.Since(started).Seconds())
			}
			return nil
		}
	}
}

// rewind resets the loop-target stage and every subsequent
// already-completed stage back to PENDING, per §4.6: the looping stage
// itself transitions COMPLETED -> LOOPING so its own history records the
// loop entry; stages between the target (inclusive) and the looping stage
// (exclusive) get fresh Stage FSMs, since a looped-back stage's retry and
// verification budget should not carry residue from the prior pass.
func (o *Orchestrator) rewind(stage *config.Stage, sm *fsm.StageMachine) bool {
	if !sm.Can(fsm.StageEventLoop) {
		return false
	}
	sm.Fire(fsm.StageEventLoop, nil)

	targetIdx := o.Factory.StageIndex(stage.LoopTo)
	currentIdx := o.Factory.StageIndex(stage.ID)
	if targetIdx < 0 || targetIdx > currentIdx {
		return false
	}
	for i := targetIdx; i < currentIdx; i++ {
		id := o.Factory.Stages[i].ID
		prior := o.stageFSMs[id]
		o.stageFSMs[id] = fsm.NewStageMachine(id, prior.HasVerification, prior.RetriesLeft+prior.RetryCount, prior.MaxLoops)
	}
	return true
}

// checkpointAfter persists a checkpoint reflecting the FSM state after a
// single stage's outcome.
func (o *Orchestrator) checkpointAfter(stageID, status string, recursionCount int) {
	stages := make(map[string]fsm.StageSnapshot, len(o.stageFSMs))
	for id, sm := range o.stageFSMs {
		stages[id] = sm.StageSnapshot()
	}
	cp := &checkpoint.Checkpoint{
		Version:        checkpoint.VersionFSM,
		FactoryName:    o.Factory.Name,
		RunID:          o.runID,
		CurrentStage:   stageID,
		RecursionCount: recursionCount,
		ContextHash:    o.Context.Hash(),
		VCSCommit:      vcsCommit(o.Context.ProjectRoot),
		FSM: &checkpoint.FSMState{
			Factory: o.factoryFSM.Snapshot(),
			Stages:  stages,
		},
	}
	for id, sm := range o.stageFSMs {
		switch sm.Current {
		case fsm.StageCompleted:
			cp.Completed = append(cp.Completed, id)
		case fsm.StageFailed:
			cp.Failed = append(cp.Failed, id)
		case fsm.StageSkipped:
			cp.Skipped = append(cp.Skipped, id)
		}
	}
	// Checkpoint save errors are logged, never fatal to the run.
	_, err := checkpoint.Save(o.Context.RunDir, cp)
	if o.Metrics != nil {
		o.Metrics.RecordCheckpointSave(err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: checkpoint save failed: %v\n", err)
	}
}

func graphOrder(g *scheduler.Graph) []string {
	return g.IDs
}

func vcsCommit(root string) string {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
