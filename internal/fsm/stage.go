package fsm

// Stage FSM states.
const (
	StagePending   = "PENDING"
	StageReady     = "READY"
	StageExecuting = "EXECUTING"
	StageVerifying = "VERIFYING"
	StageRetrying  = "RETRYING"
	StageLooping   = "LOOPING"
	StageCompleted = "COMPLETED"
	StageFailed    = "FAILED"
	StageSkipped   = "SKIPPED"
)

// Stage FSM events. EXEC_SUCCESS and EXEC_FAILED are composite: the
// machine internally rewrites them to their verify-present/absent or
// retries-available/exhausted variant based on context, so callers send
// one logical event.
const (
	StageEventDepsMet         = "DEPS_MET"
	StageEventDepsFailed      = "DEPS_FAILED"
	StageEventConditionFalse  = "CONDITION_FALSE"
	StageEventSkip            = "SKIP"
	StageEventExecute         = "EXECUTE"
	StageEventExecSuccess     = "EXEC_SUCCESS"
	StageEventExecFailed      = "EXEC_FAILED"
	StageEventVerifyPass      = "VERIFY_PASS"
	StageEventVerifyFail      = "VERIFY_FAIL"
	StageEventRetry           = "RETRY"
	StageEventLoop            = "LOOP"
	execSuccessVerify         = "_exec_success_verify"
	execSuccessNoVerify       = "_exec_success_noverify"
	execFailedRetryInternal   = "_exec_failed_retry"
	execFailedTerminalInternal = "_exec_failed_terminal"
)

// StageMachine drives one stage's lifecycle. HasVerification, RetriesLeft,
// LoopCount and MaxLoops are read by guards to pick the concrete branch a
// composite event resolves to.
type StageMachine struct {
	*Machine
	StageID         string
	HasVerification bool
	RetriesLeft     int
	RetryCount      int
	LoopCount       int
	MaxLoops        int
}

// NewStageMachine builds the per-stage FSM starting in PENDING, per the
// transition table in spec §4.5.
func NewStageMachine(stageID string, hasVerification bool, retries, maxLoops int) *StageMachine {
	m := newMachine(StagePending)
	sm := &StageMachine{Machine: m, StageID: stageID, HasVerification: hasVerification, RetriesLeft: retries, MaxLoops: maxLoops}

	m.addTransition(StagePending, StageEventDepsMet, StageReady, nil)
	m.addTransition(StagePending, StageEventDepsFailed, StageSkipped, nil)
	m.addTransition(StagePending, StageEventConditionFalse, StageSkipped, nil)
	m.addTransition(StagePending, StageEventSkip, StageSkipped, nil)

	m.addTransition(StageReady, StageEventExecute, StageExecuting, nil)

	m.addTransition(StageExecuting, execSuccessVerify, StageVerifying, func(m *Machine) bool { return sm.HasVerification })
	m.addTransition(StageExecuting, execSuccessNoVerify, StageCompleted, func(m *Machine) bool { return !sm.HasVerification })
	m.addTransition(StageExecuting, execFailedRetryInternal, StageRetrying, func(m *Machine) bool { return sm.RetriesLeft > 0 })
	m.addTransition(StageExecuting, execFailedTerminalInternal, StageFailed, func(m *Machine) bool { return sm.RetriesLeft <= 0 })

	m.addTransition(StageVerifying, StageEventVerifyPass, StageCompleted, nil)
	m.addTransition(StageVerifying, StageEventVerifyFail, StageFailed, nil)
	m.addTransition(StageVerifying, StageEventLoop, StageLooping, func(m *Machine) bool { return sm.LoopCount < sm.MaxLoops })

	m.addTransition(StageRetrying, StageEventRetry, StageExecuting, nil)
	m.addTransition(StageRetrying, execFailedTerminalInternal, StageFailed, nil)

	m.addTransition(StageCompleted, StageEventLoop, StageLooping, func(m *Machine) bool { return sm.LoopCount < sm.MaxLoops })
	m.addTransition(StageLooping, StageEventExecute, StageExecuting, nil)

	m.Terminal[StageCompleted] = true
	m.Terminal[StageFailed] = true
	m.Terminal[StageSkipped] = true

	m.onEntry(StageRetrying, func(_ *Machine, _ string, _ any) error {
		sm.RetriesLeft--
		sm.RetryCount++
		return nil
	})
	m.onEntry(StageLooping, func(_ *Machine, _ string, _ any) error {
		sm.LoopCount++
		return nil
	})

	return sm
}

// Fire sends a logical event, rewriting the composite EXEC_SUCCESS and
// EXEC_FAILED events to their concrete internal variant first.
func (sm *StageMachine) Fire(event string, payload any) TransitionResult {
	switch event {
	case StageEventExecSuccess:
		if sm.HasVerification {
			return sm.Send(execSuccessVerify, payload)
		}
		return sm.Send(execSuccessNoVerify, payload)
	case StageEventExecFailed:
		if sm.Current == StageExecuting && sm.RetriesLeft > 0 {
			return sm.Send(execFailedRetryInternal, payload)
		}
		return sm.Send(execFailedTerminalInternal, payload)
	default:
		return sm.Send(event, payload)
	}
}

// Can reports whether a logical event (including composite ones) would be
// accepted from the current state.
func (sm *StageMachine) Can(event string) bool {
	switch event {
	case StageEventExecSuccess:
		if sm.HasVerification {
			return sm.Machine.Can(execSuccessVerify)
		}
		return sm.Machine.Can(execSuccessNoVerify)
	case StageEventExecFailed:
		if sm.Current == StageExecuting && sm.RetriesLeft > 0 {
			return sm.Machine.Can(execFailedRetryInternal)
		}
		return sm.Machine.Can(execFailedTerminalInternal)
	default:
		return sm.Machine.Can(event)
	}
}

// StageSnapshot captures the serializable per-stage FSM state.
type StageSnapshot struct {
	Snapshot
	HasVerification bool `json:"has_verification"`
	RetriesLeft     int  `json:"retries_left"`
	RetryCount      int  `json:"retry_count"`
	LoopCount       int  `json:"loop_count"`
	MaxLoops        int  `json:"max_loops"`
}

// StageSnapshot returns the persistable state of the stage FSM.
func (sm *StageMachine) StageSnapshot() StageSnapshot {
	return StageSnapshot{
		Snapshot:        Snapshot{State: sm.Current, History: sm.History()},
		HasVerification: sm.HasVerification,
		RetriesLeft:     sm.RetriesLeft,
		RetryCount:      sm.RetryCount,
		LoopCount:       sm.LoopCount,
		MaxLoops:        sm.MaxLoops,
	}
}

// RestoreStageMachine reconstructs a StageMachine from a snapshot.
func RestoreStageMachine(stageID string, snap StageSnapshot) *StageMachine {
	sm := NewStageMachine(stageID, snap.HasVerification, snap.RetriesLeft, snap.MaxLoops)
	sm.Current = snap.State
	sm.restoreHistory(snap.History)
	sm.RetryCount = snap.RetryCount
	sm.LoopCount = snap.LoopCount
	return sm
}
