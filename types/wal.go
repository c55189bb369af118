package types

import "time"

// WalKind names the mutating operation a WalEntry guards (spec.md §4.9).
type WalKind string

const (
	WalBuild   WalKind = "Build"
	WalRebuild WalKind = "Rebuild"
	WalEnter   WalKind = "Enter"
	WalExec    WalKind = "Exec"
	WalDestroy WalKind = "Destroy"
	WalCommit  WalKind = "Commit"
	WalRestore WalKind = "Restore"
	WalGc      WalKind = "Gc"
)

// RollbackStepKind discriminates the RollbackStep union.
type RollbackStepKind string

const (
	StepRemoveDir   RollbackStepKind = "remove_dir"
	StepRemoveFile  RollbackStepKind = "remove_file"
	StepResetState  RollbackStepKind = "reset_state"
)

// RollbackStep is one undo action registered before its corresponding
// side-effect occurs (spec.md §4.5). It is a closed tagged union encoded as
// one flat JSON object so WalEntry round-trips through plain
// encoding/json without custom (Un)MarshalJSON.
type RollbackStep struct {
	Kind   RollbackStepKind `json:"kind"`
	Path   string           `json:"path,omitempty"`
	EnvID  string           `json:"env_id,omitempty"`
	Target string           `json:"target,omitempty"`
}

// RemoveDirStep builds a RollbackStep that recursively deletes path on
// rollback.
func RemoveDirStep(path string) RollbackStep {
	return RollbackStep{Kind: StepRemoveDir, Path: path}
}

// RemoveFileStep builds a RollbackStep that unlinks path on rollback.
func RemoveFileStep(path string) RollbackStep {
	return RollbackStep{Kind: StepRemoveFile, Path: path}
}

// ResetStateStep builds a RollbackStep that resets envID's metadata state
// to target on rollback.
func ResetStateStep(envID string, target EnvState) RollbackStep {
	return RollbackStep{Kind: StepResetState, EnvID: envID, Target: string(target)}
}

// WalEntry is the persisted record of one in-flight mutating operation
// (spec.md §4.5), stored at <wal>/<op_id>.json.
type WalEntry struct {
	OpID          string         `json:"op_id"`
	Kind          WalKind        `json:"kind"`
	EnvID         string         `json:"env_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	RollbackSteps []RollbackStep `json:"rollback_steps"`
}
