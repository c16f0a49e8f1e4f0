package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by a conditional (compare-and-set) write whose
// precondition did not hold — e.g. attempting to move a Build out of a
// terminal status, per §5's "clobbering a terminal status ... MUST be
// prevented by a conditional update".
var ErrConflict = errors.New("store: conflict")

// Store is the contract the core consumes against the external relational
// store (§3, §6). It models table-level read/write/update semantics only;
// the store's own transport, auth, and schema migrations are out of scope.
type Store interface {
	// Build rows.
	CreateBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	// ListActiveBuilds returns Builds in {running, retrying}, used by the
	// Dispatcher to rebuild its in-memory registry after a restart (§9).
	ListActiveBuilds(ctx context.Context) ([]*Build, error)
	UpdateBuildHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateBuildWorkspace(ctx context.Context, id, workspacePath string) error
	UpdateBuildWorkerPID(ctx context.Context, id string, pid int) error
	// TransitionBuildStatus moves a Build to a new status unless it is
	// already in a terminal status, returning ErrConflict in that case.
	TransitionBuildStatus(ctx context.Context, id string, to BuildStatus, failureReason string) error

	// Step rows. Steps are append-only once started (§3).
	CreateStep(ctx context.Context, s *Step) error
	UpdateStep(ctx context.Context, s *Step) error
	ListSteps(ctx context.Context, buildID string) ([]*Step, error)

	// Custom Prompt rows.
	CreateCustomPrompt(ctx context.Context, cp *CustomPrompt) error
	ListPendingCustomPrompts(ctx context.Context, buildID string) ([]*CustomPrompt, error)
	ListCustomPrompts(ctx context.Context, buildID string) ([]*CustomPrompt, error)
	// TransitionCustomPromptStatus sets a Custom Prompt's status. The
	// implementations do not check the current status; the Runner only
	// issues pending -> injected, injected -> executed and
	// {pending|injected} -> skipped.
	TransitionCustomPromptStatus(ctx context.Context, id string, to CustomPromptStatus) error

	// Log rows, append-only (§9).
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, buildID, stepID string) ([]*LogEntry, error)

	Close() error
}
