// Package checkpoint implements the durable snapshot store: atomic
// persistence of run progress, including serialized FSM state, so a run
// can be resumed after interruption.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/averyhale/forge/internal/config"
	"github.com/averyhale/forge/internal/fsm"
)

// Supported schema versions.
const (
	VersionLegacy = "1.0"
	VersionFSM    = "2.0"
)

const fileName = "checkpoint.json"

// FSMState is the serialized state-machine state carried by a v2.0
// checkpoint: the factory machine plus one machine per stage. Nil for a
// legacy (v1.0) checkpoint or a v2.0 checkpoint migrated from one, which
// requires later reconstruction (see design notes — resume policy on a
// migrated checkpoint is an open question, decided in DESIGN.md).
type FSMState struct {
	Factory fsm.Snapshot                `json:"factory"`
	Stages  map[string]fsm.StageSnapshot `json:"stages"`
}

// Checkpoint is a persisted projection of a run.
type Checkpoint struct {
	Version        string    `json:"version"`
	FactoryName    string    `json:"factory_name"`
	RunID          string    `json:"run_id"`
	CurrentStage   string    `json:"current_stage"`
	Completed      []string  `json:"completed_stages"`
	Failed         []string  `json:"failed_stages"`
	Skipped        []string  `json:"skipped_stages"`
	RecursionCount int       `json:"recursion_count"`
	ContextHash    string    `json:"context_hash"`
	VCSCommit      string    `json:"vcs_commit,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FSM            *FSMState `json:"fsm_state,omitempty"`
}

// CheckpointError covers unreadable, version-incompatible, or corrupt
// checkpoints, and name mismatches during resume.
type CheckpointError struct {
	Msg string
}

func (e *CheckpointError) Error() string { return "checkpoint: " + e.Msg }

func path(runDir string) string {
	return filepath.Join(runDir, fileName)
}

// Save composes a checkpoint and atomically writes it via a temp-file +
// rename, so a partial write under crash never corrupts the active
// checkpoint.
func Save(runDir string, c *Checkpoint) (string, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	target := path(runDir)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return target, nil
}

// ErrNotFound is returned by Load when no checkpoint exists in runDir.
var ErrNotFound = errors.New("checkpoint: not found")

// Load reads and parses the checkpoint in runDir, rejecting unsupported
// versions (other than the documented 1.0 -> 2.0 migration, which callers
// perform explicitly via MigrateLegacy).
func Load(runDir string) (*Checkpoint, error) {
	data, err := os.ReadFile(path(runDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &CheckpointError{Msg: fmt.Sprintf("corrupt checkpoint: %v", err)}
	}
	if c.Version != VersionLegacy && c.Version != VersionFSM {
		return nil, &CheckpointError{Msg: fmt.Sprintf("unsupported version %q", c.Version)}
	}
	return &c, nil
}

// Clear deletes the checkpoint file if present.
func Clear(runDir string) error {
	err := os.Remove(path(runDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// UpdateAfterStage loads the existing checkpoint (or creates a fresh one),
// appends stageID to the set matching status, updates the current stage
// and context hash, and saves.
func UpdateAfterStage(runDir, factoryName, runID, stageID, status string, recursionCount int, contextHash string) (*Checkpoint, error) {
	c, err := Load(runDir)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c = &Checkpoint{Version: VersionFSM, FactoryName: factoryName, RunID: runID}
	}

	switch status {
	case "completed":
		c.Completed = appendUnique(c.Completed, stageID)
	case "failed":
		c.Failed = appendUnique(c.Failed, stageID)
	case "skipped":
		c.Skipped = appendUnique(c.Skipped, stageID)
	}
	c.CurrentStage = stageID
	c.RecursionCount = recursionCount
	c.ContextHash = contextHash

	if _, err := Save(runDir, c); err != nil {
		return nil, err
	}
	return c, nil
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// ValidationResult reports cross-checks against the current factory.
type ValidationResult struct {
	Valid    bool
	Warnings []string
}

// Validate cross-checks a checkpoint's name, stage references, and VCS
// commit against the live factory. A name mismatch is fatal; a VCS drift
// or missing-stage reference is a warning, not an error.
func Validate(c *Checkpoint, f *config.Factory, currentVCSCommit string) (*ValidationResult, error) {
	if c.FactoryName != f.Name {
		return nil, &CheckpointError{Msg: fmt.Sprintf("checkpoint is for factory %q, not %q", c.FactoryName, f.Name)}
	}

	var warnings []string
	allIDs := make(map[string]bool, len(f.Stages))
	for _, s := range f.Stages {
		allIDs[s.ID] = true
	}
	for _, group := range [][]string{c.Completed, c.Failed, c.Skipped} {
		for _, id := range group {
			if !allIDs[id] {
				warnings = append(warnings, fmt.Sprintf("checkpoint references unknown stage %q", id))
			}
		}
	}
	if currentVCSCommit != "" && c.VCSCommit != "" && currentVCSCommit != c.VCSCommit {
		warnings = append(warnings, fmt.Sprintf("VCS commit drift: checkpoint at %s, working tree at %s", c.VCSCommit, currentVCSCommit))
	}

	return &ValidationResult{Valid: true, Warnings: warnings}, nil
}

// GetRemainingStages removes already-completed or already-skipped IDs
// from order, preserving relative order. Failed stages remain eligible
// for retry.
func GetRemainingStages(order []string, c *Checkpoint) []string {
	done := make(map[string]bool, len(c.Completed)+len(c.Skipped))
	for _, id := range c.Completed {
		done[id] = true
	}
	for _, id := range c.Skipped {
		done[id] = true
	}
	var out []string
	for _, id := range order {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

// MigrateLegacy version-stamps a 1.0 checkpoint to 2.0 with a nil
// fsm_state, which requires later reconstruction from the completed/
// failed/skipped lists (see design notes — the legacy format lacks
// enough information to reconstruct retry counts or history).
func MigrateLegacy(c *Checkpoint) *Checkpoint {
	migrated := *c
	migrated.Version = VersionFSM
	migrated.FSM = nil
	return &migrated
}
