package spi

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/tasks"
)

// Extension point names, used in errors, logs and metric labels.
const (
	PointCreateTask           = "create_task"
	PointEndState             = "end_state"
	PointBeforeRequestReview  = "before_request_review"
	PointAfterRequestReview   = "after_request_review"
	PointBeforeRequestChanges = "before_request_changes"
	PointAfterRequestChanges  = "after_request_changes"
	PointReviewRequired       = "review_required"
	PointPriority             = "priority"
	PointDistribution         = "distribution"
)

type chain[P Provider] struct {
	point     string
	providers []P
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func newChain[P Provider](point string, providers []P, metrics *observability.Metrics, logger *zap.Logger) chain[P] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return chain[P]{
		point:     point,
		providers: append([]P(nil), providers...),
		metrics:   metrics,
		logger:    logger,
	}
}

func (c *chain[P]) Len() int { return len(c.providers) }

// guard runs fn for provider p and turns an error or a panic into a
// SystemError naming the provider type.
func (c *chain[P]) guard(p P, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.fail(p, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return c.fail(p, err)
	}
	return nil
}

func (c *chain[P]) fail(p P, cause error) error {
	c.metrics.ObserveProviderFailure(c.point)
	c.logger.Warn("service provider failed",
		zap.String("extension_point", c.point),
		zap.String("provider", fmt.Sprintf("%T", p)),
		zap.Error(cause),
	)
	return apperr.System(cause, "%s provider %T failed", c.point, p)
}

// TaskManager folds a task through every provider of one extension point.
type TaskManager[P Provider] struct {
	chain[P]
	invoke func(P, context.Context, tasks.Task) (tasks.Task, error)
}

func newTaskManager[P Provider](point string, providers []P, invoke func(P, context.Context, tasks.Task) (tasks.Task, error), metrics *observability.Metrics, logger *zap.Logger) *TaskManager[P] {
	return &TaskManager[P]{chain: newChain(point, providers, metrics, logger), invoke: invoke}
}

// Apply returns task unchanged when no provider is registered.
func (m *TaskManager[P]) Apply(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	if m == nil {
		return task, nil
	}
	current := task
	for _, p := range m.providers {
		err := m.guard(p, func() error {
			next, err := m.invoke(p, ctx, current.Clone())
			if err != nil {
				return err
			}
			current = next
			return nil
		})
		if err != nil {
			return task, err
		}
	}
	return current, nil
}

type ReviewRequiredManager struct {
	chain[ReviewRequiredProvider]
}

// ReviewRequired is true as soon as one provider says so.
func (m *ReviewRequiredManager) ReviewRequired(ctx context.Context, task tasks.Task) (bool, error) {
	if m == nil {
		return false, nil
	}
	for _, p := range m.providers {
		var required bool
		err := m.guard(p, func() error {
			var err error
			required, err = p.ReviewRequired(ctx, task.Clone())
			return err
		})
		if err != nil {
			return false, err
		}
		if required {
			return true, nil
		}
	}
	return false, nil
}

type PriorityManager struct {
	chain[PriorityServiceProvider]
}

// CalculatePriority returns the first value a provider offers.
func (m *PriorityManager) CalculatePriority(ctx context.Context, task tasks.Task) (int, bool, error) {
	if m == nil {
		return 0, false, nil
	}
	for _, p := range m.providers {
		var (
			priority int
			ok       bool
		)
		err := m.guard(p, func() error {
			var err error
			priority, ok, err = p.CalculatePriority(ctx, task.Clone())
			return err
		})
		if err != nil {
			return 0, false, err
		}
		if ok {
			return priority, true, nil
		}
	}
	return 0, false, nil
}

// DistributionManager keeps the named distribution strategies.
type DistributionManager struct {
	chain[TaskDistributionProvider]
	names           []string
	byName          map[string]TaskDistributionProvider
	defaultStrategy string
}

func (m *DistributionManager) DefaultStrategy() string { return m.defaultStrategy }

func (m *DistributionManager) Strategies() []string {
	return append([]string(nil), m.names...)
}

// Distribute asks strategy (the default when empty) for a proposal.
func (m *DistributionManager) Distribute(ctx context.Context, strategy string, taskIDs, destinationIDs []string, extra map[string]any) (map[string][]string, error) {
	name := strings.TrimSpace(strategy)
	if name == "" {
		name = m.defaultStrategy
	}
	p, ok := m.byName[strings.ToLower(name)]
	if !ok {
		return nil, apperr.InvalidArgument("The distribution strategy '%s' does not exist.", name)
	}
	var result map[string][]string
	err := m.guard(p, func() error {
		var err error
		result, err = p.DistributeTasks(ctx, append([]string(nil), taskIDs...), append([]string(nil), destinationIDs...), extra)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
