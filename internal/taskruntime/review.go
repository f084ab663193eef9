package taskruntime

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

type handOverRule struct {
	target        tasks.State
	claimedTarget tasks.State
	event         tasks.EventType
	before        func(context.Context, tasks.Task) (tasks.Task, error)
	after         func(context.Context, tasks.Task) (tasks.Task, error)
}

func reviewHandOver(s *Service) handOverRule {
	return handOverRule{
		target:        tasks.StateReadyForReview,
		claimedTarget: tasks.StateInReview,
		event:         tasks.EventTaskReviewRequested,
		before:        s.registry.BeforeRequestReview.Apply,
		after:         s.registry.AfterRequestReview.Apply,
	}
}

func changesHandOver(s *Service) handOverRule {
	return handOverRule{
		target:        tasks.StateReady,
		claimedTarget: tasks.StateClaimed,
		event:         tasks.EventTaskChangesRequested,
		before:        s.registry.BeforeRequestChanges.Apply,
		after:         s.registry.AfterRequestChanges.Apply,
	}
}

// RequestReview hands a CLAIMED task the principal owns over for review.
func (s *Service) RequestReview(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.requestHandOver(ctx, opRequestReview, taskID, reviewHandOver(s),
		[]tasks.State{tasks.StateClaimed}, true)
}

// ForceRequestReview accepts READY or CLAIMED tasks regardless of owner.
func (s *Service) ForceRequestReview(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.requestHandOver(ctx, opForceReview, taskID, reviewHandOver(s),
		[]tasks.State{tasks.StateReady, tasks.StateClaimed}, false)
}

// RequestChanges sends an IN_REVIEW task the principal owns back to READY.
func (s *Service) RequestChanges(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.requestHandOver(ctx, opRequestChanges, taskID, changesHandOver(s),
		[]tasks.State{tasks.StateInReview}, true)
}

// ForceRequestChanges accepts READY_FOR_REVIEW or IN_REVIEW tasks
// regardless of owner.
func (s *Service) ForceRequestChanges(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.requestHandOver(ctx, opForceChanges, taskID, changesHandOver(s),
		[]tasks.State{tasks.StateReadyForReview, tasks.StateInReview}, false)
}

func (s *Service) requestHandOver(ctx context.Context, op, taskID string, rule handOverRule, allowed []tasks.State, checkOwner bool) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, op, func(ctx context.Context) error {
		p, err := principal(ctx)
		if err != nil {
			return err
		}
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.gate.CheckPermission(ctx, task.WorkbasketID, workbasket.PermEditTasks); err != nil {
			return err
		}
		if !task.State.In(allowed...) {
			return invalidState(task, allowed...)
		}
		if checkOwner {
			if err := requireOwner(task, p.UserID); err != nil {
				return err
			}
		}
		out, err = s.handOver(ctx, task, rule)
		return err
	})
	return out, err
}

// handOver releases the task into rule.target between the before and after
// chains. When the after chain returns a different workbasket or an owner,
// the task is moved there and claimed on behalf of that owner.
func (s *Service) handOver(ctx context.Context, task tasks.Task, rule handOverRule) (tasks.Task, error) {
	prepared, err := rule.before(ctx, task)
	if err != nil {
		return tasks.Task{}, err
	}
	prepared = keepEngineFields(task, prepared)

	now := s.now()
	prepared.State = rule.target
	prepared.Owner = ""
	prepared.Claimed = nil
	prepared.Completed = nil
	prepared.Modified = now

	redirected, err := rule.after(ctx, prepared)
	if err != nil {
		return tasks.Task{}, err
	}
	dest := strings.TrimSpace(redirected.WorkbasketID)
	owner := strings.TrimSpace(redirected.Owner)
	redirected = keepEngineFields(prepared, redirected)

	from := ""
	if dest != "" && dest != prepared.WorkbasketID {
		if _, err := s.gate.Workbasket(ctx, dest); err != nil {
			return tasks.Task{}, err
		}
		from = prepared.WorkbasketID
		redirected.WorkbasketID = dest
		redirected.Transferred = true
	}

	redirected.Owner = owner
	if owner != "" {
		redirected.State = rule.claimedTarget
		redirected.Claimed = &now
	} else {
		redirected.Claimed = nil
	}
	if from != "" || redirected.Owner != "" {
		s.logger.Info("task redirected by service provider",
			zap.String("task_id", redirected.ID),
			zap.String("from_workbasket_id", from),
			zap.String("workbasket_id", redirected.WorkbasketID),
			zap.String("owner", redirected.Owner),
		)
	}

	if err := s.save(ctx, redirected); err != nil {
		return tasks.Task{}, err
	}
	evt := taskEvent(rule.event, redirected)
	evt.FromWorkbasketID = from
	s.emit(ctx, evt)
	return redirected, nil
}
