// Package spi defines the extension points third-party providers plug into
// and the managers that run them.
//
// Every provider is initialised exactly once with an Engine before its first
// call. Managers run providers in registration order, folding the task
// through them; an error or panic from any provider aborts the chain with an
// apperr.SystemError naming the provider type.
package spi

import (
	"context"

	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

// Engine is the read-only view of the task engine handed to providers.
type Engine interface {
	GetTask(ctx context.Context, taskID string) (tasks.Task, error)
	Workbasket(ctx context.Context, workbasketID string) (workbasket.Workbasket, error)
	IsUserInRole(ctx context.Context, roles ...policy.Role) bool
}

type Provider interface {
	Initialize(engine Engine) error
}

type CreateTaskPreprocessor interface {
	Provider
	ProcessTaskBeforeCreation(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

// TaskEndStatePreprocessor runs before a task enters COMPLETED, CANCELLED
// or TERMINATED.
type TaskEndStatePreprocessor interface {
	Provider
	ProcessTaskBeforeEndState(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

type BeforeRequestReviewProvider interface {
	Provider
	BeforeRequestReview(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

// AfterRequestReviewProvider may redirect the task by returning it with a
// different WorkbasketID or Owner.
type AfterRequestReviewProvider interface {
	Provider
	AfterRequestReview(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

type BeforeRequestChangesProvider interface {
	Provider
	BeforeRequestChanges(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

type AfterRequestChangesProvider interface {
	Provider
	AfterRequestChanges(ctx context.Context, task tasks.Task) (tasks.Task, error)
}

type ReviewRequiredProvider interface {
	Provider
	ReviewRequired(ctx context.Context, task tasks.Task) (bool, error)
}

// PriorityServiceProvider returns ok=false when it has no opinion.
type PriorityServiceProvider interface {
	Provider
	CalculatePriority(ctx context.Context, task tasks.Task) (priority int, ok bool, err error)
}

// TaskDistributionProvider proposes destination -> task ids. It must not
// mutate anything; the distribution engine applies the result.
type TaskDistributionProvider interface {
	Provider
	DistributeTasks(ctx context.Context, taskIDs, destinationIDs []string, extra map[string]any) (map[string][]string, error)
}
