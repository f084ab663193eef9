package spi

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/observability"
)

// Providers lists the providers per extension point in invocation order.
type Providers struct {
	CreateTask           []CreateTaskPreprocessor
	EndState             []TaskEndStatePreprocessor
	BeforeRequestReview  []BeforeRequestReviewProvider
	AfterRequestReview   []AfterRequestReviewProvider
	BeforeRequestChanges []BeforeRequestChangesProvider
	AfterRequestChanges  []AfterRequestChangesProvider
	ReviewRequired       []ReviewRequiredProvider
	Priority             []PriorityServiceProvider
	// Distribution maps strategy names to providers. round-robin is always
	// available unless overridden here.
	Distribution map[string]TaskDistributionProvider
}

// Registry owns one manager per extension point.
type Registry struct {
	CreateTask           *TaskManager[CreateTaskPreprocessor]
	EndState             *TaskManager[TaskEndStatePreprocessor]
	BeforeRequestReview  *TaskManager[BeforeRequestReviewProvider]
	AfterRequestReview   *TaskManager[AfterRequestReviewProvider]
	BeforeRequestChanges *TaskManager[BeforeRequestChangesProvider]
	AfterRequestChanges  *TaskManager[AfterRequestChangesProvider]
	ReviewRequired       *ReviewRequiredManager
	Priority             *PriorityManager
	Distribution         *DistributionManager

	initOnce sync.Once
	initErr  error
	logger   *zap.Logger
}

func NewRegistry(p Providers, defaultStrategy string, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("spi")

	strategies := map[string]TaskDistributionProvider{RoundRobinName: &RoundRobin{}}
	for name, provider := range p.Distribution {
		strategies[strings.ToLower(strings.TrimSpace(name))] = provider
	}
	names := make([]string, 0, len(strategies))
	ordered := make([]TaskDistributionProvider, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ordered = append(ordered, strategies[name])
	}
	defaultStrategy = strings.TrimSpace(defaultStrategy)
	if defaultStrategy == "" {
		defaultStrategy = RoundRobinName
	}

	return &Registry{
		CreateTask:           newTaskManager(PointCreateTask, p.CreateTask, CreateTaskPreprocessor.ProcessTaskBeforeCreation, metrics, logger),
		EndState:             newTaskManager(PointEndState, p.EndState, TaskEndStatePreprocessor.ProcessTaskBeforeEndState, metrics, logger),
		BeforeRequestReview:  newTaskManager(PointBeforeRequestReview, p.BeforeRequestReview, BeforeRequestReviewProvider.BeforeRequestReview, metrics, logger),
		AfterRequestReview:   newTaskManager(PointAfterRequestReview, p.AfterRequestReview, AfterRequestReviewProvider.AfterRequestReview, metrics, logger),
		BeforeRequestChanges: newTaskManager(PointBeforeRequestChanges, p.BeforeRequestChanges, BeforeRequestChangesProvider.BeforeRequestChanges, metrics, logger),
		AfterRequestChanges:  newTaskManager(PointAfterRequestChanges, p.AfterRequestChanges, AfterRequestChangesProvider.AfterRequestChanges, metrics, logger),
		ReviewRequired:       &ReviewRequiredManager{chain: newChain(PointReviewRequired, p.ReviewRequired, metrics, logger)},
		Priority:             &PriorityManager{chain: newChain(PointPriority, p.Priority, metrics, logger)},
		Distribution: &DistributionManager{
			chain:           newChain(PointDistribution, ordered, metrics, logger),
			names:           names,
			byName:          strategies,
			defaultStrategy: defaultStrategy,
		},
		logger: logger,
	}
}

// Initialize hands engine to every provider exactly once, also when one
// provider serves several extension points. Later calls return the first
// result.
func (r *Registry) Initialize(engine Engine) error {
	r.initOnce.Do(func() {
		if _, ok := r.Distribution.byName[strings.ToLower(r.Distribution.defaultStrategy)]; !ok {
			r.initErr = apperr.InvalidArgument("The distribution strategy '%s' does not exist.", r.Distribution.defaultStrategy)
			return
		}
		seen := make(map[any]bool)
		count := 0
		for _, p := range r.all() {
			if reflect.TypeOf(p).Comparable() {
				if seen[p] {
					continue
				}
				seen[p] = true
			}
			if err := initialize(p, engine); err != nil {
				r.initErr = err
				return
			}
			count++
		}
		r.logger.Info("service providers initialized",
			zap.Int("providers", count),
			zap.Strings("distribution_strategies", r.Distribution.names),
			zap.String("default_strategy", r.Distribution.defaultStrategy),
		)
	})
	return r.initErr
}

func initialize(p Provider, engine Engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.System(fmt.Errorf("panic: %v", r), "initialize provider %T", p)
		}
	}()
	if err := p.Initialize(engine); err != nil {
		return apperr.System(err, "initialize provider %T", p)
	}
	return nil
}

func (r *Registry) all() []Provider {
	var out []Provider
	for _, p := range r.CreateTask.providers {
		out = append(out, p)
	}
	for _, p := range r.EndState.providers {
		out = append(out, p)
	}
	for _, p := range r.BeforeRequestReview.providers {
		out = append(out, p)
	}
	for _, p := range r.AfterRequestReview.providers {
		out = append(out, p)
	}
	for _, p := range r.BeforeRequestChanges.providers {
		out = append(out, p)
	}
	for _, p := range r.AfterRequestChanges.providers {
		out = append(out, p)
	}
	for _, p := range r.ReviewRequired.providers {
		out = append(out, p)
	}
	for _, p := range r.Priority.providers {
		out = append(out, p)
	}
	for _, p := range r.Distribution.providers {
		out = append(out, p)
	}
	return out
}
