package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/runctx"
	"github.com/averyhale/forge/internal/scheduler"
)

// FactoryRunOptions configures a whole factory execution (distinct from
// the per-subprocess RunOptions in subprocess.go).
type FactoryRunOptions struct {
	ContinueOnFailure bool
	MaxRecursion      int
}

// Summary is the outcome of one executeFactory/executeParallel call.
type Summary struct {
	RunID     string
	Completed []string
	Failed    []string
	Skipped   []string
	Success   bool
	StartedAt time.Time
	EndedAt   time.Time
}

// ExecuteFactory runs order's stages one at a time against the shared
// context, rewinding on loop_to and stopping on failure unless instructed
// to continue. It is the imperative half of the dual-layer executor —
// the FSM-driven path lives in internal/orchestrator.
func (d *Dispatcher) ExecuteFactory(ctx context.Context, factory *config.Factory, order []string, rc *runctx.Context, opts FactoryRunOptions) (*Summary, error) {
	runStart := time.Now()
	if opts.MaxRecursion <= 0 {
		opts.MaxRecursion = factory.MaxRecursion()
	}

	summary := &Summary{RunID: newRunID(), StartedAt: runStart}
	d.Emitter.Emit(EventFactoryStarted, "", factory.Name)

	completed := make(map[string]bool, len(order))
	loopCount := 0

	for i := 0; i < len(order); i++ {
		stageID := order[i]
		stage := factory.StageByID(stageID)
		if stage == nil {
			return nil, fmt.Errorf("executor: scheduled stage %q not found in factory", stageID)
		}

		if skip, reason := ShouldSkip(stage, rc); skip {
			summary.Skipped = append(summary.Skipped, stageID)
			d.Emitter.Emit(EventStageSkipped, stageID, reason)
			continue
		}

		rc.SetCurrentStage(stageID)
		outcome := d.Execute(ctx, factory, stage, rc, runStart)
		if outcome.Err != nil {
			summary.Failed = append(summary.Failed, stageID)
			if !opts.ContinueOnFailure {
				summary.EndedAt = time.Now()
				d.Emitter.Emit(EventFactoryFailed, "", summary.Failed)
				return summary, outcome.Err
			}
			continue
		}

		rc.RecordStage(stageID, outcome.Output)

		if !outcome.Success {
			summary.Failed = append(summary.Failed, stageID)
			if !opts.ContinueOnFailure {
				summary.EndedAt = time.Now()
				d.Emitter.Emit(EventFactoryFailed, "", summary.Failed)
				return summary, nil
			}
			continue
		}

		completed[stageID] = true
		summary.Completed = append(summary.Completed, stageID)

		if stage.LoopTo != "" {
			targetIdx := -1
			for j, id := range order {
				if id == stage.LoopTo {
					targetIdx = j
					break
				}
			}
			if targetIdx >= 0 && targetIdx <= i && loopCount < opts.MaxRecursion {
				loopCount = rc.IncrementRecursion()
				i = targetIdx - 1 // loop increment will land us back on targetIdx
				continue
			}
		}
	}

	summary.EndedAt = time.Now()
	summary.Success = len(summary.Failed) == 0
	if summary.Success {
		d.Emitter.Emit(EventFactoryCompleted, "", summary.Completed)
	} else {
		d.Emitter.Emit(EventFactoryFailed, "", summary.Failed)
	}
	return summary, nil
}

// ExecuteParallel groups stages by scheduler level and runs each group
// concurrently, propagating the first failure unless continueOnFailure is
// set. Within a group, stages may read the context but writes are
// deferred to the group boundary, per the concurrency model.
func (d *Dispatcher) ExecuteParallel(ctx context.Context, factory *config.Factory, graph *scheduler.Graph, rc *runctx.Context, opts FactoryRunOptions) (*Summary, error) {
	runStart := time.Now()
	groups, err := scheduler.ParallelGroups(graph)
	if err != nil {
		return nil, err
	}

	summary := &Summary{RunID: newRunID(), StartedAt: runStart}
	d.Emitter.Emit(EventFactoryStarted, "", factory.Name)

	for _, group := range groups {
		type groupResult struct {
			stageID string
			outcome StageOutcome
			skipped bool
			reason  string
		}
		results := make([]groupResult, len(group))

		var wg sync.WaitGroup
		for gi, stageID := range group {
			stage := factory.StageByID(stageID)
			if stage == nil {
				return nil, fmt.Errorf("executor: scheduled stage %q not found in factory", stageID)
			}
			if skip, reason := ShouldSkip(stage, rc); skip {
				results[gi] = groupResult{stageID: stageID, skipped: true, reason: reason}
				continue
			}
			wg.Add(1)
			go func(gi int, stage *config.Stage) {
				defer wg.Done()
				results[gi] = groupResult{stageID: stage.ID, outcome: d.Execute(ctx, factory, stage, rc, runStart)}
			}(gi, stage)
		}
		wg.Wait()

		// Writes to the context happen only now, at the group boundary.
		groupFailed := false
		for _, r := range results {
			if r.skipped {
				summary.Skipped = append(summary.Skipped, r.stageID)
				d.Emitter.Emit(EventStageSkipped, r.stageID, r.reason)
				continue
			}
			if r.outcome.Err != nil || !r.outcome.Success {
				summary.Failed = append(summary.Failed, r.stageID)
				groupFailed = true
				continue
			}
			rc.RecordStage(r.stageID, r.outcome.Output)
			summary.Completed = append(summary.Completed, r.stageID)
		}

		if groupFailed && !opts.ContinueOnFailure {
			summary.EndedAt = time.Now()
			d.Emitter.Emit(EventFactoryFailed, "", summary.Failed)
			return summary, nil
		}
	}

	summary.EndedAt = time.Now()
	summary.Success = len(summary.Failed) == 0
	if summary.Success {
		d.Emitter.Emit(EventFactoryCompleted, "", summary.Completed)
	} else {
		d.Emitter.Emit(EventFactoryFailed, "", summary.Failed)
	}
	return summary, nil
}
