package tasks

import (
	"context"
	"errors"
)

var (
	ErrStoreNotFound = errors.New("task not found in store")
	ErrStoreConflict = errors.New("task already present in store")
)

// Store is the persistence port for tasks. Implementations run their
// statements on whatever handle the session coordinator has active on ctx.
type Store interface {
	GetTask(ctx context.Context, taskID string) (Task, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (Task, error)
	InsertTask(ctx context.Context, task Task) error
	UpdateTask(ctx context.Context, task Task) error
	// ListTasksByWorkbasket returns the tasks of a workbasket in creation
	// order. With no states given, all states are returned.
	ListTasksByWorkbasket(ctx context.Context, workbasketID string, states ...State) ([]Task, error)
	// ListTasksByIDs returns the found tasks in the order of ids. Missing ids
	// are skipped.
	ListTasksByIDs(ctx context.Context, ids []string) ([]Task, error)
	Close() error
}
