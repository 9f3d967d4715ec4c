package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryMachineHappyPath(t *testing.T) {
	fm := NewFactoryMachine(false)
	assert.True(t, fm.Can(EventStart))
	res := fm.Send(EventStart, nil)
	require.True(t, res.Success)
	assert.Equal(t, FactoryRunning, fm.Current)

	res = fm.Send(EventAllCompleted, nil)
	require.True(t, res.Success)
	assert.Equal(t, FactoryCompleted, fm.Current)
	assert.True(t, fm.IsTerminal())
}

func TestFactoryMachineAnyFailedGuard(t *testing.T) {
	fm := NewFactoryMachine(true) // continueOnFailure
	fm.Send(EventStart, nil)
	assert.False(t, fm.Can(EventAnyFailed))

	fm2 := NewFactoryMachine(false)
	fm2.Send(EventStart, nil)
	assert.True(t, fm2.Can(EventAnyFailed))
	res := fm2.Send(EventAnyFailed, nil)
	require.True(t, res.Success)
	assert.Equal(t, FactoryFailed, fm2.Current)
}

func TestFactoryMachineEventOnlyValidFromOriginatingState(t *testing.T) {
	fm := NewFactoryMachine(false)
	// START only valid from IDLE.
	assert.True(t, fm.Can(EventStart))
	fm.Send(EventStart, nil)
	assert.False(t, fm.Can(EventStart))
}

func TestStageMachineTerminalIgnoresFurtherEvents(t *testing.T) {
	sm := NewStageMachine("a", false, 0, 3)
	sm.Fire(StageEventSkip, nil)
	assert.Equal(t, StageSkipped, sm.Current)
	assert.True(t, sm.IsTerminal())

	res := sm.Fire(StageEventDepsMet, nil)
	assert.False(t, res.Success)
	assert.Nil(t, res.Err)
	assert.Equal(t, StageSkipped, sm.Current)
}

func TestStageMachineNoVerificationSkipsVerifying(t *testing.T) {
	sm := NewStageMachine("a", false, 0, 3)
	sm.Fire(StageEventDepsMet, nil)
	sm.Fire(StageEventExecute, nil)
	res := sm.Fire(StageEventExecSuccess, nil)
	require.True(t, res.Success)
	assert.Equal(t, StageCompleted, sm.Current)
}

func TestStageMachineWithVerificationGoesThroughVerifying(t *testing.T) {
	sm := NewStageMachine("a", true, 0, 3)
	sm.Fire(StageEventDepsMet, nil)
	sm.Fire(StageEventExecute, nil)
	res := sm.Fire(StageEventExecSuccess, nil)
	require.True(t, res.Success)
	assert.Equal(t, StageVerifying, sm.Current)

	res = sm.Fire(StageEventVerifyFail, nil)
	require.True(t, res.Success)
	assert.Equal(t, StageFailed, sm.Current)
}

func TestStageMachineRetriesExactCount(t *testing.T) {
	const retries = 2
	sm := NewStageMachine("a", false, retries, 3)
	sm.Fire(StageEventDepsMet, nil)

	failures := 0
	for sm.Current != StageFailed {
		sm.Fire(StageEventExecute, nil)
		res := sm.Fire(StageEventExecFailed, nil)
		require.True(t, res.Success)
		failures++
		if sm.Current == StageRetrying {
			sm.Fire(StageEventRetry, nil)
		}
		require.LessOrEqual(t, failures, retries+1)
	}
	assert.Equal(t, retries+1, failures)
}

func TestStageMachineLoopBoundedByMaxLoops(t *testing.T) {
	sm := NewStageMachine("a", false, 0, 1)
	sm.Fire(StageEventDepsMet, nil)
	sm.Fire(StageEventExecute, nil)
	sm.Fire(StageEventExecSuccess, nil)
	assert.Equal(t, StageCompleted, sm.Current)

	res := sm.Fire(StageEventLoop, nil)
	require.True(t, res.Success)
	assert.Equal(t, StageLooping, sm.Current)
	sm.Fire(StageEventExecute, nil)
	sm.Fire(StageEventExecSuccess, nil)

	// Second loop attempt should be refused: maxLoops == 1 already used.
	res = sm.Fire(StageEventLoop, nil)
	assert.False(t, res.Success)
}

func TestHistoryBoundedTo100(t *testing.T) {
	sm := NewStageMachine("a", false, 0, 1000)
	sm.Fire(StageEventDepsMet, nil)
	sm.Fire(StageEventExecute, nil)
	for i := 0; i < 150; i++ {
		sm.Fire(StageEventExecSuccess, nil)
		sm.Fire(StageEventLoop, nil)
		sm.Fire(StageEventExecute, nil)
	}
	assert.LessOrEqual(t, len(sm.History()), 100)
}
