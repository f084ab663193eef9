// Package taskruntime owns the task lifecycle: every state transition goes
// through Service, which authorizes the caller, runs the service provider
// chains and persists the result inside a session scope.
package taskruntime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/session"
	"github.com/ent0n29/taskrouter/internal/spi"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

const (
	opCreate           = "create"
	opGet              = "get"
	opClaim            = "claim"
	opForceClaim       = "force_claim"
	opCancelClaim      = "cancel_claim"
	opForceCancelClaim = "force_cancel_claim"
	opComplete         = "complete"
	opForceComplete    = "force_complete"
	opCancel           = "cancel"
	opTerminate        = "terminate"
	opReopen           = "reopen"
	opRequestReview    = "request_review"
	opForceReview      = "force_request_review"
	opRequestChanges   = "request_changes"
	opForceChanges     = "force_request_changes"
	opTransfer         = "transfer"
	opMove             = "move_and_reset_ownership"
	opCallback         = "set_callback_state"
)

var _ spi.Engine = (*Service)(nil)

type Deps struct {
	Tasks       tasks.Store
	Workbaskets workbasket.Store
	Gate        *policy.Gate
	Coordinator *session.Coordinator
	Registry    *spi.Registry
	Broker      *tasks.Broker
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

type Service struct {
	tasks    tasks.Store
	gate     *policy.Gate
	coord    *session.Coordinator
	registry *spi.Registry
	broker   *tasks.Broker
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New fills every missing dependency with an in-process default, so
// New(Deps{}) is a working engine backed by memory stores.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tasks == nil {
		d.Tasks = tasks.NewMemoryStore()
	}
	if d.Workbaskets == nil {
		d.Workbaskets = workbasket.NewMemoryStore()
	}
	if d.Gate == nil {
		d.Gate = policy.NewGate(d.Workbaskets)
	}
	if d.Coordinator == nil {
		d.Coordinator = session.NewCoordinator(nil, d.Metrics, d.Logger)
	}
	if d.Registry == nil {
		d.Registry = spi.NewRegistry(spi.Providers{}, "", d.Metrics, d.Logger)
	}
	if d.Broker == nil {
		d.Broker = tasks.NewBroker(d.Metrics.SetEventSubscribers)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		tasks:    d.Tasks,
		gate:     d.Gate,
		coord:    d.Coordinator,
		registry: d.Registry,
		broker:   d.Broker,
		metrics:  d.Metrics,
		logger:   d.Logger.Named("taskruntime"),
		now:      d.Now,
	}
}

// InitializeProviders hands the service to every registered provider. It
// must run once the workbaskets providers refer to exist.
func (s *Service) InitializeProviders() error {
	return s.registry.Initialize(s)
}

func (s *Service) Coordinator() *session.Coordinator { return s.coord }
func (s *Service) Registry() *spi.Registry           { return s.registry }
func (s *Service) Gate() *policy.Gate                { return s.gate }
func (s *Service) Metrics() *observability.Metrics   { return s.metrics }

func (s *Service) Subscribe(workbasketID string) (<-chan tasks.Event, func()) {
	return s.broker.Subscribe(workbasketID)
}

// Workbasket resolves a workbasket without a permission check.
func (s *Service) Workbasket(ctx context.Context, id string) (workbasket.Workbasket, error) {
	return s.gate.Workbasket(ctx, id)
}

func (s *Service) IsUserInRole(ctx context.Context, roles ...policy.Role) bool {
	p, ok := policy.PrincipalFrom(ctx)
	return ok && p.HasRole(roles...)
}

// Batch runs fn in one scope. Operations called with the context passed to
// fn share it, and their events are published once the scope is released.
func (s *Service) Batch(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.run(ctx, "", fn)
}

type eventBufferKey struct{}

type eventBuffer struct {
	mu     sync.Mutex
	events []tasks.Event
}

func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	buf, _ := ctx.Value(eventBufferKey{}).(*eventBuffer)
	owner := buf == nil
	if owner {
		buf = &eventBuffer{}
		ctx = context.WithValue(ctx, eventBufferKey{}, buf)
	}

	err := s.coord.Do(ctx, fn)

	if op != "" {
		s.observe(op, err, time.Since(start))
	}
	if owner && err == nil {
		buf.mu.Lock()
		events := buf.events
		buf.events = nil
		buf.mu.Unlock()
		for _, evt := range events {
			s.broker.Publish(evt)
		}
	}
	return err
}

func (s *Service) observe(op string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(apperr.CodeOf(err)))
	}
	s.metrics.ObserveTransition(op, outcome)
	s.metrics.ObserveOperationLatency(op, d)
	switch {
	case err == nil:
		s.logger.Debug("task operation", zap.String("operation", op), zap.Duration("took", d))
	case apperr.CodeOf(err) == apperr.CodeSystem:
		s.logger.Error("task operation failed", zap.String("operation", op), zap.Error(err))
	default:
		s.logger.Debug("task operation rejected", zap.String("operation", op), zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, evt tasks.Event) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}
	if p, ok := policy.PrincipalFrom(ctx); ok && evt.UserID == "" {
		evt.UserID = p.UserID
	}
	buf, _ := ctx.Value(eventBufferKey{}).(*eventBuffer)
	if buf == nil {
		s.broker.Publish(evt)
		return
	}
	buf.mu.Lock()
	buf.events = append(buf.events, evt)
	buf.mu.Unlock()
}

func taskEvent(typ tasks.EventType, task tasks.Task) tasks.Event {
	return tasks.Event{
		Type:         typ,
		TaskID:       task.ID,
		WorkbasketID: task.WorkbasketID,
		State:        task.State,
		Owner:        task.Owner,
		Task:         task.Summary(),
	}
}

func principal(ctx context.Context) (policy.Principal, error) {
	p, ok := policy.PrincipalFrom(ctx)
	if !ok {
		return policy.Principal{}, &policy.NotAuthorizedError{}
	}
	return p, nil
}

func (s *Service) load(ctx context.Context, taskID string) (tasks.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return tasks.Task{}, apperr.InvalidArgument("task id must not be empty")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return tasks.Task{}, &tasks.NotFoundError{TaskID: taskID}
		}
		return tasks.Task{}, apperr.System(err, "load task %s", taskID)
	}
	return task, nil
}

func (s *Service) save(ctx context.Context, task tasks.Task) error {
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return &tasks.NotFoundError{TaskID: task.ID}
		}
		return apperr.System(err, "update task %s", task.ID)
	}
	return nil
}

// keepEngineFields resets everything a provider chain must not change on
// next to its value on orig. Providers may edit the descriptive fields only.
func keepEngineFields(orig, next tasks.Task) tasks.Task {
	next.ID = orig.ID
	next.ExternalID = orig.ExternalID
	next.WorkbasketID = orig.WorkbasketID
	next.State = orig.State
	next.CallbackState = orig.CallbackState
	next.Owner = orig.Owner
	next.Reopened = orig.Reopened
	next.Read = orig.Read
	next.Transferred = orig.Transferred
	next.Created = orig.Created
	next.Modified = orig.Modified
	next.Claimed = orig.Claimed
	next.Completed = orig.Completed
	return next
}

func nonEndStates() []tasks.State {
	return []tasks.State{tasks.StateReady, tasks.StateClaimed, tasks.StateReadyForReview, tasks.StateInReview}
}

func invalidState(task tasks.Task, required ...tasks.State) error {
	return &tasks.InvalidStateError{TaskID: task.ID, State: task.State, Required: required}
}

func requireOwner(task tasks.Task, userID string) error {
	if task.Owner != userID {
		return &tasks.InvalidOwnerError{TaskID: task.ID, Owner: task.Owner, UserID: userID}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
