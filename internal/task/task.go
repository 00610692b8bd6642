// Package task holds the status records of submitted translation jobs and
// the stores that own them.
package task

import (
	"context"
	"fmt"
	"math"
	"time"

	"pdftranslate-server/internal/types"
)

// Status is the lifecycle state of a translation task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// File kinds produced by the engine.
const (
	KindDual = "dual"
	KindMono = "mono"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// TaskStatus is the polled view of one job. The JSON names are the wire contract.
type TaskStatus struct {
	TaskID      string            `json:"task_id"`
	Status      Status            `json:"status"`
	Progress    float64           `json:"progress"`
	Message     string            `json:"message"`
	ResultFiles map[string]string `json:"result_files"`

	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
	FinishedAt time.Time `json:"-"`
	WorkDir    string    `json:"-"`
}

// PendingMessage is the message of a freshly created task.
const PendingMessage = "task created, waiting to be processed"

// newPending builds the initial record for id.
func newPending(id, workDir string, now time.Time) TaskStatus {
	return TaskStatus{
		TaskID:      id,
		Status:      StatusPending,
		Progress:    0,
		Message:     PendingMessage,
		ResultFiles: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkDir:     workDir,
	}
}

// Clone returns a deep copy.
func (t TaskStatus) Clone() TaskStatus {
	out := t
	out.ResultFiles = make(map[string]string, len(t.ResultFiles))
	for k, v := range t.ResultFiles {
		out.ResultFiles[k] = v
	}
	return out
}

// Mutator edits a transient copy of a record inside Store.Update.
// Returning an error aborts the update.
type Mutator func(t *TaskStatus) error

// Store owns every TaskStatus and the files each completed task produced.
type Store interface {
	// Create inserts a pending record. workDir is the task's private directory.
	Create(ctx context.Context, id, workDir string) (TaskStatus, error)
	// Get returns a snapshot of the record.
	Get(ctx context.Context, id string) (TaskStatus, error)
	// Update applies fn and commits the result if it is a legal transition.
	Update(ctx context.Context, id string, fn Mutator) (TaskStatus, error)
	// Files returns the kind → path map registered on completion.
	Files(ctx context.Context, id string) (map[string]string, error)
	// Evict removes terminal records finished before cutoff and returns them.
	Evict(ctx context.Context, cutoff time.Time) ([]TaskStatus, error)
	Close() error
}

func notFound(id string) error {
	return types.NewAppErrorWithDetails(types.ErrNotFound, "task not found", id, nil)
}

func duplicate(id string) error {
	return types.NewAppErrorWithDetails(types.ErrDuplicateTask, "task already exists", id, nil)
}

func invalidTransition(id, reason string) error {
	return types.NewAppErrorWithDetails(types.ErrInvalidTransition, "illegal task update", id+": "+reason, nil)
}

// checkTransition enforces the lifecycle rules between two versions of a record.
func checkTransition(prev, next *TaskStatus) error {
	id := prev.TaskID
	switch {
	case next.TaskID != prev.TaskID:
		return invalidTransition(id, "task_id is immutable")
	case prev.Status.Terminal():
		return invalidTransition(id, fmt.Sprintf("task is already %s", prev.Status))
	case !next.Status.Valid():
		return invalidTransition(id, fmt.Sprintf("unknown status %q", next.Status))
	case next.Status.rank() < prev.Status.rank():
		return invalidTransition(id, fmt.Sprintf("status cannot go from %s to %s", prev.Status, next.Status))
	case math.IsNaN(next.Progress) || next.Progress < 0 || next.Progress > 100:
		return invalidTransition(id, fmt.Sprintf("progress %v out of range", next.Progress))
	case prev.Status == StatusProcessing && next.Status == StatusProcessing && next.Progress < prev.Progress:
		return invalidTransition(id, fmt.Sprintf("progress cannot decrease from %v to %v", prev.Progress, next.Progress))
	case len(next.ResultFiles) > 0 && next.Status != StatusCompleted:
		return invalidTransition(id, "result files are only set on completion")
	}
	return nil
}

// apply runs fn against a copy of current and validates the outcome.
// Timestamps are owned by the store.
func apply(current TaskStatus, fn Mutator, now time.Time) (TaskStatus, error) {
	if current.Status.Terminal() {
		return TaskStatus{}, checkTransition(&current, &current)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return TaskStatus{}, err
	}
	if next.ResultFiles == nil {
		next.ResultFiles = map[string]string{}
	}
	if err := checkTransition(&current, &next); err != nil {
		return TaskStatus{}, err
	}
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	if next.Status.Terminal() {
		next.FinishedAt = now
	}
	return next, nil
}
