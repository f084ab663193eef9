// Package distribution spreads the open tasks of a workbasket over its
// distribution targets using a named strategy.
package distribution

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/spi"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

// Mover performs the per-task move. Batch must run fn in one session scope
// so a distribution reads and writes through the same handle.
type Mover interface {
	MoveAndResetOwnership(ctx context.Context, taskID, destinationID string) (tasks.Task, error)
	Batch(ctx context.Context, fn func(ctx context.Context) error) error
}

type TaskReader interface {
	ListTasksByWorkbasket(ctx context.Context, workbasketID string, states ...tasks.State) ([]tasks.Task, error)
	ListTasksByIDs(ctx context.Context, ids []string) ([]tasks.Task, error)
}

type TargetLister interface {
	ListDistributionTargets(ctx context.Context, workbasketID string) ([]string, error)
}

type Request struct {
	SourceWorkbasketID       string         `json:"source_workbasket_id,omitempty"`
	TaskIDs                  []string       `json:"task_ids,omitempty"`
	DestinationWorkbasketIDs []string       `json:"destination_workbasket_ids,omitempty"`
	Strategy                 string         `json:"strategy,omitempty"`
	ExtraInfo                map[string]any `json:"extra_info,omitempty"`
}

// Result lists the tasks moved per destination. Failed tasks are reported
// in Outcome and never appear in Moved.
type Result struct {
	Strategy string              `json:"strategy,omitempty"`
	Moved    map[string][]string `json:"moved"`
	Outcome  *apperr.BulkOutcome `json:"outcome"`
}

func newResult(strategy string) *Result {
	return &Result{
		Strategy: strategy,
		Moved:    map[string][]string{},
		Outcome:  apperr.NewBulkOutcome(),
	}
}

type Deps struct {
	Mover    Mover
	Tasks    TaskReader
	Targets  TargetLister
	Gate     *policy.Gate
	Registry *spi.Registry
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Engine struct {
	mover    Mover
	tasks    TaskReader
	targets  TargetLister
	gate     *policy.Gate
	registry *spi.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{
		mover:    d.Mover,
		tasks:    d.Tasks,
		targets:  d.Targets,
		gate:     d.Gate,
		registry: d.Registry,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("distribution"),
	}
}

// DistributeWorkbasket distributes every open task of source to its
// configured targets with the default strategy.
func (e *Engine) DistributeWorkbasket(ctx context.Context, source string) (*Result, error) {
	return e.Distribute(ctx, Request{SourceWorkbasketID: source})
}

func (e *Engine) DistributeTasks(ctx context.Context, source string, taskIDs []string) (*Result, error) {
	return e.Distribute(ctx, Request{SourceWorkbasketID: source, TaskIDs: taskIDs})
}

func (e *Engine) DistributeTo(ctx context.Context, source string, taskIDs, destinations []string) (*Result, error) {
	return e.Distribute(ctx, Request{SourceWorkbasketID: source, TaskIDs: taskIDs, DestinationWorkbasketIDs: destinations})
}

func (e *Engine) DistributeWithStrategy(ctx context.Context, source string, taskIDs, destinations []string, strategy string, extra map[string]any) (*Result, error) {
	return e.Distribute(ctx, Request{
		SourceWorkbasketID:       source,
		TaskIDs:                  taskIDs,
		DestinationWorkbasketIDs: destinations,
		Strategy:                 strategy,
		ExtraInfo:                extra,
	})
}

// Distribute validates the whole request before the first move. Once moving
// starts, a failing task is recorded in the outcome and the rest continue.
func (e *Engine) Distribute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var res *Result
	err := e.mover.Batch(ctx, func(ctx context.Context) error {
		var err error
		res, err = e.distribute(ctx, req)
		return err
	})
	if err != nil {
		e.logger.Debug("distribution rejected",
			zap.String("source_workbasket_id", req.SourceWorkbasketID),
			zap.Error(err),
		)
		return nil, err
	}
	moved := 0
	for _, ids := range res.Moved {
		moved += len(ids)
	}
	failed := len(res.Outcome.FailedIDs())
	e.metrics.ObserveDistribution(moved, failed, time.Since(start))
	e.logger.Info("distribution finished",
		zap.String("source_workbasket_id", req.SourceWorkbasketID),
		zap.String("strategy", res.Strategy),
		zap.Int("moved", moved),
		zap.Int("failed", failed),
	)
	return res, nil
}

func (e *Engine) distribute(ctx context.Context, req Request) (*Result, error) {
	source := strings.TrimSpace(req.SourceWorkbasketID)
	res := newResult(strings.TrimSpace(req.Strategy))

	candidates, err := e.resolveTasks(ctx, source, req.TaskIDs, res.Outcome)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if source != "" {
			if _, err := e.gate.CheckPermission(ctx, source, workbasket.PermDistribute); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	for _, task := range candidates {
		if source == "" {
			source = task.WorkbasketID
		}
		if task.WorkbasketID != source {
			return nil, apperr.InvalidArgument("Not all tasks are in the same workbasket.")
		}
	}

	if _, err := e.gate.CheckPermission(ctx, source, workbasket.PermDistribute); err != nil {
		return nil, err
	}

	destinations, err := e.destinations(ctx, source, req.DestinationWorkbasketIDs)
	if err != nil {
		return nil, err
	}
	for _, dest := range destinations {
		if _, err := e.gate.Workbasket(ctx, dest); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(candidates))
	for _, task := range candidates {
		ids = append(ids, task.ID)
	}
	if res.Strategy == "" {
		res.Strategy = e.registry.Distribution.DefaultStrategy()
	}
	proposal, err := e.registry.Distribution.Distribute(ctx, res.Strategy, ids, destinations, req.ExtraInfo)
	if err != nil {
		return nil, err
	}
	if len(proposal) == 0 {
		return nil, apperr.InvalidArgument("The distribution strategy '%s' resulted in no task assignments.", res.Strategy)
	}

	e.apply(ctx, candidates, destinations, proposal, res)
	return res, nil
}

// resolveTasks loads the requested tasks, or every open task of source when
// no ids are given. Unknown ids are recorded in outcome.
func (e *Engine) resolveTasks(ctx context.Context, source string, taskIDs []string, outcome *apperr.BulkOutcome) ([]tasks.Task, error) {
	if len(taskIDs) == 0 {
		if source == "" {
			return nil, apperr.InvalidArgument("source workbasket id or task ids are required")
		}
		if _, err := e.gate.Workbasket(ctx, source); err != nil {
			return nil, err
		}
		open, err := e.tasks.ListTasksByWorkbasket(ctx, source,
			tasks.StateReady, tasks.StateClaimed, tasks.StateReadyForReview, tasks.StateInReview)
		if err != nil {
			return nil, apperr.System(err, "list tasks of workbasket %s", source)
		}
		return open, nil
	}

	ids := make([]string, 0, len(taskIDs))
	seen := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	found, err := e.tasks.ListTasksByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.System(err, "load tasks")
	}
	present := make(map[string]bool, len(found))
	for _, task := range found {
		present[task.ID] = true
	}
	for _, id := range ids {
		if !present[id] {
			outcome.Add(id, &tasks.NotFoundError{TaskID: id})
		}
	}
	return found, nil
}

func (e *Engine) destinations(ctx context.Context, source string, requested []string) ([]string, error) {
	if len(requested) == 0 && e.targets != nil {
		targets, err := e.targets.ListDistributionTargets(ctx, source)
		if err != nil {
			if errors.Is(err, workbasket.ErrStoreNotFound) {
				return nil, &workbasket.NotFoundError{WorkbasketID: source}
			}
			return nil, apperr.System(err, "list distribution targets of %s", source)
		}
		requested = targets
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, apperr.InvalidArgument("workbasket %s has no distribution targets", source)
	}
	return out, nil
}

// apply moves every proposed task at most once. Destinations are visited in
// request order, then any extra destination the strategy named.
func (e *Engine) apply(ctx context.Context, candidates []tasks.Task, destinations []string, proposal map[string][]string, res *Result) {
	requested := make(map[string]bool, len(candidates))
	for _, task := range candidates {
		requested[task.ID] = true
	}
	order := append([]string(nil), destinations...)
	known := make(map[string]bool, len(destinations))
	for _, dest := range destinations {
		known[dest] = true
	}
	var extra []string
	for dest := range proposal {
		if !known[dest] {
			extra = append(extra, dest)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	attempted := make(map[string]bool, len(candidates))
	for _, dest := range order {
		ids := proposal[dest]
		if len(ids) == 0 {
			continue
		}
		_, appendErr := e.gate.CheckPermission(ctx, dest, workbasket.PermAppend)
		for _, id := range ids {
			if attempted[id] {
				continue
			}
			attempted[id] = true
			switch {
			case !requested[id]:
				res.Outcome.Add(id, apperr.InvalidArgument("task %s is not part of this distribution", id))
			case appendErr != nil:
				res.Outcome.Add(id, appendErr)
			default:
				if _, err := e.mover.MoveAndResetOwnership(ctx, id, dest); err != nil {
					res.Outcome.Add(id, err)
					continue
				}
				res.Moved[dest] = append(res.Moved[dest], id)
			}
		}
	}
}
