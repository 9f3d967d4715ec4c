package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averyhale/forge/internal/checkpoint"
	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/executor"
	"github.com/averyhale/forge/internal/fsm"
	"github.com/averyhale/forge/internal/runctx"
)

func newTestOrchestrator(t *testing.T, factory *config.Factory, opts Options) (*Orchestrator, *runctx.Context) {
	t.Helper()
	projectRoot := t.TempDir()
	runDir := t.TempDir()
	env := &executor.Environment{ProjectRoot: projectRoot, RunDir: runDir}
	dispatcher := executor.NewDispatcher(env, executor.NewEmitter(16))
	rc := runctx.New(projectRoot, runDir, map[string]string{})

	o, err := New(factory, rc, dispatcher, nil, opts)
	require.NoError(t, err)
	return o, rc
}

func TestNewBuildsPendingStageMachines(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{})

	require.Len(t, o.stageFSMs, 2)
	assert.Equal(t, fsm.StagePending, o.stageFSMs["a"].Current)
	assert.Equal(t, fsm.StagePending, o.stageFSMs["b"].Current)
}

func TestRunLinearPipelineCompletes(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, []string{"a", "b"}, summary.Completed)
	assert.Equal(t, fsm.FactoryCompleted, o.factoryFSM.Current)
	assert.Equal(t, fsm.StageCompleted, o.stageFSMs["a"].Current)
	assert.Equal(t, fsm.StageCompleted, o.stageFSMs["b"].Current)
}

func TestRunStopsOnFailureByDefault(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "false"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, []string{"a"}, summary.Failed)
	assert.Empty(t, summary.Completed)
	assert.Equal(t, fsm.FactoryFailed, o.factoryFSM.Current)
	assert.Equal(t, fsm.StagePending, o.stageFSMs["b"].Current)
}

func TestRunContinuesOnFailureWhenConfigured(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "false"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true"},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{ContinueOnFailure: true})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, []string{"a"}, summary.Failed)
	assert.Equal(t, []string{"b"}, summary.Completed)
	assert.Equal(t, fsm.StageFailed, o.stageFSMs["a"].Current)
}

func TestRunRetriesBeforeFailing(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "false", Config: config.StageConfig{Retries: 2}},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{})

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Success)
	assert.Equal(t, []string{"a"}, summary.Failed)
	assert.Equal(t, 2, o.stageFSMs["a"].RetryCount)
	assert.Equal(t, fsm.StageFailed, o.stageFSMs["a"].Current)
}

func TestRunSkipsStageWithFalseCondition(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true", Condition: "enabled == \"true\""},
		},
	}
	o, rc := newTestOrchestrator(t, factory, Options{})
	rc.Variables["enabled"] = "false"

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, []string{"a"}, summary.Skipped)
	assert.Equal(t, fsm.StageSkipped, o.stageFSMs["a"].Current)
}

func TestComputeReadyDeadlockDetection(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{})

	// Leave a stuck in EXECUTING: it is neither terminal nor ready, so b
	// can never become ready and the run cannot settle.
	sm := o.stageFSMs["a"]
	sm.Fire(fsm.StageEventDepsMet, nil)
	sm.Fire(fsm.StageEventExecute, nil)

	_, err := o.Run(context.Background())
	assert.Error(t, err)
}

func TestRewindResetsIntermediateStages(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
			{ID: "c", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"b"}, LoopTo: "a"},
		},
	}
	o, _ := newTestOrchestrator(t, factory, Options{MaxRecursion: 3})

	// Drive a and b to COMPLETED so rewind has prior state to reset.
	for _, id := range []string{"a", "b"} {
		sm := o.stageFSMs[id]
		sm.Fire(fsm.StageEventDepsMet, nil)
		sm.Fire(fsm.StageEventExecute, nil)
		sm.Fire(fsm.StageEventExecSuccess, nil)
	}
	cSM := o.stageFSMs["c"]
	cSM.Fire(fsm.StageEventDepsMet, nil)
	cSM.Fire(fsm.StageEventExecute, nil)
	cSM.Fire(fsm.StageEventExecSuccess, nil)

	ok := o.rewind(factory.StageByID("c"), cSM)
	require.True(t, ok)

	assert.Equal(t, fsm.StageLooping, cSM.Current)
	assert.Equal(t, fsm.StagePending, o.stageFSMs["a"].Current)
	assert.Equal(t, fsm.StagePending, o.stageFSMs["b"].Current)
}

func TestCheckpointAfterPersistsFSMState(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
		},
	}
	o, rc := newTestOrchestrator(t, factory, Options{})

	sm := o.stageFSMs["a"]
	sm.Fire(fsm.StageEventDepsMet, nil)
	sm.Fire(fsm.StageEventExecute, nil)
	sm.Fire(fsm.StageEventExecSuccess, nil)

	o.checkpointAfter("a", "completed", 0)

	cp, err := checkpoint.Load(rc.RunDir)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.VersionFSM, cp.Version)
	assert.Equal(t, []string{"a"}, cp.Completed)
	require.NotNil(t, cp.FSM)
	assert.Equal(t, fsm.StageCompleted, cp.FSM.Stages["a"].State)
}

func TestResumeFromFSMCheckpointContinuesRemainingStages(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	o, rc := newTestOrchestrator(t, factory, Options{})

	sm := o.stageFSMs["a"]
	sm.Fire(fsm.StageEventDepsMet, nil)
	sm.Fire(fsm.StageEventExecute, nil)
	sm.Fire(fsm.StageEventExecSuccess, nil)
	o.factoryFSM.Send(fsm.EventStart, nil)
	o.checkpointAfter("a", "completed", 0)

	env := &executor.Environment{ProjectRoot: rc.ProjectRoot, RunDir: rc.RunDir}
	dispatcher := executor.NewDispatcher(env, executor.NewEmitter(16))
	rc2 := runctx.New(rc.ProjectRoot, rc.RunDir, nil)

	resumed, remaining, err := ResumeFromCheckpoint(factory, rc2, dispatcher, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, remaining)
	assert.Equal(t, fsm.StageCompleted, resumed.stageFSMs["a"].Current)
	assert.Equal(t, fsm.StagePending, resumed.stageFSMs["b"].Current)

	summary, err := resumed.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, []string{"b"}, summary.Completed)
}

func TestResumeFromLegacyCheckpointReconstructsState(t *testing.T) {
	factory := &config.Factory{
		Name: "demo",
		Stages: []config.Stage{
			{ID: "a", Type: config.StageTypeCustom, Command: "true"},
			{ID: "b", Type: config.StageTypeCustom, Command: "true", DependsOn: []string{"a"}},
		},
	}
	runDir := t.TempDir()
	projectRoot := t.TempDir()

	cp := &checkpoint.Checkpoint{
		Version:      checkpoint.VersionLegacy,
		FactoryName:  "demo",
		RunID:        "run-legacy",
		CurrentStage: "a",
		Completed:    []string{"a"},
	}
	_, err := checkpoint.Save(runDir, cp)
	require.NoError(t, err)

	rc := runctx.New(projectRoot, runDir, nil)
	env := &executor.Environment{ProjectRoot: projectRoot, RunDir: runDir}
	dispatcher := executor.NewDispatcher(env, executor.NewEmitter(16))

	resumed, remaining, err := ResumeFromCheckpoint(factory, rc, dispatcher, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, remaining)
	assert.Equal(t, fsm.StageCompleted, resumed.stageFSMs["a"].Current)
	// Legacy resume cannot recover burned retries: full budget is restored.
	assert.Equal(t, 0, resumed.stageFSMs["a"].RetryCount)
}
