package taskruntime

import (
	"context"

	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

// GetTask returns a task the principal may read.
func (s *Service) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opGet, func(ctx context.Context) error {
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.gate.CheckPermission(ctx, task.WorkbasketID, workbasket.PermRead); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// Claim takes a READY task (or a READY_FOR_REVIEW task, entering
// IN_REVIEW) for the principal.
func (s *Service) Claim(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.claim(ctx, opClaim, taskID, false)
}

// ForceClaim also takes over tasks claimed by somebody else.
func (s *Service) ForceClaim(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.claim(ctx, opForceClaim, taskID, true)
}

func (s *Service) claim(ctx context.Context, op, taskID string, force bool) (tasks.Task, error) {
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
		claimed, err := s.claimInMemory(task, p.UserID, force)
		if err != nil {
			return err
		}
		if err := s.save(ctx, claimed); err != nil {
			return err
		}
		s.emit(ctx, taskEvent(tasks.EventTaskClaimed, claimed))
		out = claimed
		return nil
	})
	return out, err
}

func (s *Service) claimInMemory(task tasks.Task, userID string, force bool) (tasks.Task, error) {
	switch task.State {
	case tasks.StateReady:
		task.State = tasks.StateClaimed
	case tasks.StateReadyForReview:
		task.State = tasks.StateInReview
	case tasks.StateClaimed, tasks.StateInReview:
		if !force {
			if err := requireOwner(task, userID); err != nil {
				return tasks.Task{}, err
			}
		}
	default:
		return tasks.Task{}, invalidState(task, nonEndStates()...)
	}
	now := s.now()
	task.Owner = userID
	task.Claimed = &now
	task.Read = true
	task.Modified = now
	return task, nil
}

func (s *Service) CancelClaim(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.cancelClaim(ctx, opCancelClaim, taskID, false)
}

func (s *Service) ForceCancelClaim(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.cancelClaim(ctx, opForceCancelClaim, taskID, true)
}

func (s *Service) cancelClaim(ctx context.Context, op, taskID string, force bool) (tasks.Task, error) {
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
		if !task.State.IsClaimed() {
			return invalidState(task, tasks.ClaimedStates...)
		}
		if !force {
			if err := requireOwner(task, p.UserID); err != nil {
				return err
			}
		}
		task = s.unclaimInMemory(task)
		if err := s.save(ctx, task); err != nil {
			return err
		}
		s.emit(ctx, taskEvent(tasks.EventTaskClaimCancelled, task))
		out = task
		return nil
	})
	return out, err
}

// unclaimInMemory clears ownership and steps back to the unclaimed
// counterpart of the current state.
func (s *Service) unclaimInMemory(task tasks.Task) tasks.Task {
	switch task.State {
	case tasks.StateClaimed:
		task.State = tasks.StateReady
	case tasks.StateInReview:
		task.State = tasks.StateReadyForReview
	}
	task.Owner = ""
	task.Claimed = nil
	task.Modified = s.now()
	return task
}

// CompleteTask completes a task the principal owns. A CLAIMED task that a
// review-required provider flags is put up for review instead; the returned
// task is then in READY_FOR_REVIEW.
func (s *Service) CompleteTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opComplete, func(ctx context.Context) error {
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
		if !task.State.IsClaimed() {
			return invalidState(task, tasks.ClaimedStates...)
		}
		if err := requireOwner(task, p.UserID); err != nil {
			return err
		}

		if task.State == tasks.StateClaimed {
			required, err := s.registry.ReviewRequired.ReviewRequired(ctx, task)
			if err != nil {
				return err
			}
			if required {
				s.logger.Info("review required, completion redirected to request review",
					zap.String("task_id", task.ID),
					zap.String("user_id", p.UserID),
				)
				s.metrics.ObserveIndicator("review_redirect")
				out, err = s.handOver(ctx, task, reviewHandOver(s))
				return err
			}
		}

		out, err = s.finish(ctx, task, tasks.StateCompleted, tasks.EventTaskCompleted)
		return err
	})
	return out, err
}

// ForceCompleteTask claims the task for the principal when needed, takes
// over foreign ownership and completes it without asking for review.
func (s *Service) ForceCompleteTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opForceComplete, func(ctx context.Context) error {
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
		if task.State.IsEndState() {
			return invalidState(task, nonEndStates()...)
		}
		if task.Owner != p.UserID || !task.State.IsClaimed() {
			if task, err = s.claimInMemory(task, p.UserID, true); err != nil {
				return err
			}
		}
		out, err = s.finish(ctx, task, tasks.StateCompleted, tasks.EventTaskCompleted)
		return err
	})
	return out, err
}

// CompleteTasks completes each task independently; failures are reported
// per task id. A SYSTEM failure aborts the whole batch.
func (s *Service) CompleteTasks(ctx context.Context, taskIDs []string) (*apperr.BulkOutcome, error) {
	if len(taskIDs) == 0 {
		return nil, apperr.InvalidArgument("task ids must not be empty")
	}
	outcome := apperr.NewBulkOutcome()
	err := s.Batch(ctx, func(ctx context.Context) error {
		for _, id := range dedupe(taskIDs) {
			if id == "" {
				outcome.Add(id, apperr.InvalidArgument("task id must not be empty"))
				continue
			}
			_, err := s.CompleteTask(ctx, id)
			if apperr.CodeOf(err) == apperr.CodeSystem {
				return err
			}
			outcome.Add(id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) CancelTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opCancel, func(ctx context.Context) error {
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.gate.CheckPermission(ctx, task.WorkbasketID, workbasket.PermEditTasks); err != nil {
			return err
		}
		if task.State.IsEndState() {
			return invalidState(task, nonEndStates()...)
		}
		out, err = s.finish(ctx, task, tasks.StateCancelled, tasks.EventTaskCancelled)
		return err
	})
	return out, err
}

// TerminateTask needs ADMIN or TASK_ADMIN. TERMINATED is final.
func (s *Service) TerminateTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opTerminate, func(ctx context.Context) error {
		if err := s.gate.CheckRole(ctx, policy.RoleAdmin, policy.RoleTaskAdmin); err != nil {
			return err
		}
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.IsEndState() {
			return invalidState(task, nonEndStates()...)
		}
		out, err = s.finish(ctx, task, tasks.StateTerminated, tasks.EventTaskTerminated)
		return err
	})
	return out, err
}

// finish runs the end-state preprocessors and moves task into state.
func (s *Service) finish(ctx context.Context, task tasks.Task, state tasks.State, evt tasks.EventType) (tasks.Task, error) {
	processed, err := s.registry.EndState.Apply(ctx, task)
	if err != nil {
		return tasks.Task{}, err
	}
	processed = keepEngineFields(task, processed)
	now := s.now()
	processed.State = state
	processed.Completed = &now
	processed.Modified = now
	if err := s.save(ctx, processed); err != nil {
		return tasks.Task{}, err
	}
	s.emit(ctx, taskEvent(evt, processed))
	return processed, nil
}

// Reopen brings a COMPLETED or CANCELLED task back to CLAIMED for the
// principal. Tasks with a pending callback cannot be reopened.
func (s *Service) Reopen(ctx context.Context, taskID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opReopen, func(ctx context.Context) error {
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
		if !task.State.IsEndState() || task.State.IsFinal() {
			return invalidState(task, tasks.StateCompleted, tasks.StateCancelled)
		}
		if task.CallbackState != "" && task.CallbackState != tasks.CallbackNone {
			return &tasks.ReopenWithCallbackError{TaskID: task.ID, CallbackState: task.CallbackState}
		}

		now := s.now()
		task.Owner = p.UserID
		task.Claimed = &now
		task.Modified = now
		task.Completed = nil
		task.Read = false
		task.Reopened = true
		task.State = tasks.StateClaimed

		if task.ManualPriority != nil {
			task.Priority = *task.ManualPriority
		} else {
			priority, ok, err := s.registry.Priority.CalculatePriority(ctx, task)
			if err != nil {
				return err
			}
			if ok {
				task.Priority = priority
			}
		}

		if err := s.save(ctx, task); err != nil {
			return err
		}
		s.emit(ctx, taskEvent(tasks.EventTaskReopened, task))
		out = task
		return nil
	})
	return out, err
}
