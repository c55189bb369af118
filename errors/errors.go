// Package errors defines Karapace's error taxonomy: closed kinds of failure
// the engine and stores can produce, each a distinct type so callers can
// errors.As into the one they care about instead of matching on strings.
package errors

import "fmt"

// ManifestError reports a problem normalizing or validating a manifest:
// TOML parse failures, an unpinned base image when pinning is required,
// invalid mount syntax.
type ManifestError struct {
	Cause string
}

func (e *ManifestError) Error() string { return "manifest error: " + e.Cause }

// LockError reports a problem with a karapace.lock file: mismatched env_id,
// manifest drift, or an unreadable/unparseable lock file.
type LockError struct {
	Cause string
}

func (e *LockError) Error() string { return "lock error: " + e.Cause }

// EnvIDMismatch is a LockError raised by LockFile.VerifyIntegrity.
func EnvIDMismatch(want, got string) *LockError {
	return &LockError{Cause: fmt.Sprintf("env_id mismatch: stored %s, computed %s", want, got)}
}

// ManifestDrift is a LockError raised by LockFile.VerifyManifestIntent.
func ManifestDrift(cause string) *LockError {
	return &LockError{Cause: "manifest drift: " + cause}
}

// StoreError reports an I/O, serialization, or integrity problem in one of
// the content-addressed stores: object/layer/env/name not found, integrity
// failure, version mismatch, invalid name, name conflict, unsupported format.
type StoreError struct {
	Kind  string // e.g. "not_found", "integrity_failure", "version_mismatch"
	Cause string
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error (%s): %s", e.Kind, e.Cause) }

// NotFound builds a StoreError of kind "not_found".
func NotFound(what, id string) *StoreError {
	return &StoreError{Kind: "not_found", Cause: fmt.Sprintf("%s %q not found", what, id)}
}

// IntegrityFailureError reports a content-hash mismatch: the hash a blob was
// stored under (Expected) against the hash of the bytes read back (Actual).
type IntegrityFailureError struct {
	Expected string
	Actual   string
}

func (e *IntegrityFailureError) Error() string {
	return fmt.Sprintf("integrity failure: expected %s, got %s", e.Expected, e.Actual)
}

// VersionMismatch builds a StoreError of kind "version_mismatch".
func VersionMismatch(found, current int) *StoreError {
	return &StoreError{Kind: "version_mismatch", Cause: fmt.Sprintf("store format version %d, expected %d", found, current)}
}

// InvalidName builds a StoreError of kind "invalid_name".
func InvalidName(name string) *StoreError {
	return &StoreError{Kind: "invalid_name", Cause: fmt.Sprintf("invalid name %q: must match [a-zA-Z0-9_-]{1,64}", name)}
}

// NameConflict builds a StoreError of kind "name_conflict".
func NameConflict(name string) *StoreError {
	return &StoreError{Kind: "name_conflict", Cause: fmt.Sprintf("name %q already in use", name)}
}

// RuntimeError reports a RuntimeBackend-level failure: backend unavailable,
// already running, not running, mount/device denied by policy, policy
// violation, image not found, exec failed.
type RuntimeError struct {
	Kind  string
	Cause string
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("runtime error (%s): %s", e.Kind, e.Cause) }

// AlreadyRunning builds a RuntimeError of kind "already_running".
func AlreadyRunning(envID string) *RuntimeError {
	return &RuntimeError{Kind: "already_running", Cause: fmt.Sprintf("environment %s is already running", envID)}
}

// ExecFailedError carries the exit code/signal of a failed exec.
type ExecFailedError struct {
	ExitCode int
	Signal   string // empty if the process exited normally with a non-zero code
}

func (e *ExecFailedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("exec failed: killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("exec failed: exit code %d", e.ExitCode)
}

// InvalidTransitionError reports a rejected environment state transition.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// RemoteError reports an HTTP failure, not-found, serialization error, or
// integrity failure encountered during push/pull against a remote store.
type RemoteError struct {
	Kind  string
	Cause string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("remote error (%s): %s", e.Kind, e.Cause) }
