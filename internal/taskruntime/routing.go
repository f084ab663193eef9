package taskruntime

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/tasks"
	"github.com/ent0n29/taskrouter/internal/workbasket"
)

// CreateTask stores a new READY task. The principal needs APPEND on the
// target workbasket. An empty external id is generated.
func (s *Service) CreateTask(ctx context.Context, task tasks.Task) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opCreate, func(ctx context.Context) error {
		if _, err := principal(ctx); err != nil {
			return err
		}
		processed, err := s.registry.CreateTask.Apply(ctx, task)
		if err != nil {
			return err
		}

		processed.ID = tasks.NewTaskID()
		processed.ExternalID = strings.TrimSpace(processed.ExternalID)
		if processed.ExternalID == "" {
			processed.ExternalID = tasks.NewExternalID()
		}
		processed.WorkbasketID = strings.TrimSpace(processed.WorkbasketID)
		if processed.WorkbasketID == "" {
			return apperr.InvalidArgument("workbasket id must not be empty")
		}

		_, err = s.tasks.GetTaskByExternalID(ctx, processed.ExternalID)
		switch {
		case err == nil:
			return &tasks.AlreadyExistError{ExternalID: processed.ExternalID}
		case !errors.Is(err, tasks.ErrStoreNotFound):
			return apperr.System(err, "look up external id %s", processed.ExternalID)
		}

		if _, err := s.gate.CheckPermission(ctx, processed.WorkbasketID, workbasket.PermAppend); err != nil {
			return err
		}

		now := s.now()
		processed.State = tasks.StateReady
		if processed.CallbackState == "" {
			processed.CallbackState = tasks.CallbackNone
		}
		processed.Owner = ""
		processed.Read = false
		processed.Reopened = false
		processed.Transferred = false
		processed.Claimed = nil
		processed.Completed = nil
		processed.Created = now
		processed.Modified = now

		if processed.ManualPriority != nil {
			processed.Priority = *processed.ManualPriority
		} else {
			priority, ok, err := s.registry.Priority.CalculatePriority(ctx, processed)
			if err != nil {
				return err
			}
			if ok {
				processed.Priority = priority
			}
		}

		if err := s.tasks.InsertTask(ctx, processed); err != nil {
			if errors.Is(err, tasks.ErrStoreConflict) {
				return &tasks.AlreadyExistError{ExternalID: processed.ExternalID}
			}
			return apperr.System(err, "insert task %s", processed.ID)
		}
		s.emit(ctx, taskEvent(tasks.EventTaskCreated, processed))
		out = processed
		return nil
	})
	return out, err
}

// Transfer moves a task to destinationID. The principal needs TRANSFER on
// the source and APPEND on the destination. Claimed tasks lose their owner.
func (s *Service) Transfer(ctx context.Context, taskID, destinationID string, setTransferFlag bool) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opTransfer, func(ctx context.Context) error {
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.IsEndState() {
			return invalidState(task, nonEndStates()...)
		}
		if _, err := s.gate.CheckPermission(ctx, task.WorkbasketID, workbasket.PermTransfer); err != nil {
			return err
		}
		dest, err := s.gate.CheckPermission(ctx, destinationID, workbasket.PermAppend)
		if err != nil {
			return err
		}
		from := task.WorkbasketID
		task = s.unclaimInMemory(task)
		task.WorkbasketID = dest.ID
		task.Transferred = setTransferFlag
		task.Read = false
		if err := s.save(ctx, task); err != nil {
			return err
		}
		evt := taskEvent(tasks.EventTaskTransferred, task)
		evt.FromWorkbasketID = from
		s.emit(ctx, evt)
		out = task
		return nil
	})
	return out, err
}

// MoveAndResetOwnership is the distribution primitive. It skips permission
// checks; the caller has already authorized the whole batch.
func (s *Service) MoveAndResetOwnership(ctx context.Context, taskID, destinationID string) (tasks.Task, error) {
	var out tasks.Task
	err := s.run(ctx, opMove, func(ctx context.Context) error {
		task, err := s.load(ctx, taskID)
		if err != nil {
			return err
		}
		if task.State.IsEndState() {
			return invalidState(task, nonEndStates()...)
		}
		dest, err := s.gate.Workbasket(ctx, destinationID)
		if err != nil {
			return err
		}
		from := task.WorkbasketID
		task = s.unclaimInMemory(task)
		task.WorkbasketID = dest.ID
		task.Transferred = true
		task.Read = false
		if err := s.save(ctx, task); err != nil {
			return err
		}
		evt := taskEvent(tasks.EventTaskDistributed, task)
		evt.FromWorkbasketID = from
		s.emit(ctx, evt)
		out = task
		return nil
	})
	return out, err
}

// SetCallbackState updates the callback state of the tasks with the given
// external ids. CLAIMED and CALLBACK_PROCESSING_COMPLETED are only accepted
// for tasks in an end state.
func (s *Service) SetCallbackState(ctx context.Context, externalIDs []string, state tasks.CallbackState) (*apperr.BulkOutcome, error) {
	if len(externalIDs) == 0 {
		return nil, apperr.InvalidArgument("external ids must not be empty")
	}
	if _, err := tasks.ParseCallbackState(string(state)); err != nil || state == "" {
		return nil, apperr.InvalidArgument("invalid callback state %q", state)
	}
	outcome := apperr.NewBulkOutcome()
	err := s.Batch(ctx, func(ctx context.Context) error {
		for _, externalID := range dedupe(externalIDs) {
			outcome.Add(externalID, s.setCallbackState(ctx, externalID, state))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) setCallbackState(ctx context.Context, externalID string, state tasks.CallbackState) error {
	return s.run(ctx, opCallback, func(ctx context.Context) error {
		if externalID == "" {
			return apperr.InvalidArgument("external id must not be empty")
		}
		task, err := s.tasks.GetTaskByExternalID(ctx, externalID)
		if err != nil {
			if errors.Is(err, tasks.ErrStoreNotFound) {
				return &tasks.NotFoundError{TaskID: externalID}
			}
			return apperr.System(err, "load task by external id %s", externalID)
		}
		if _, err := s.gate.CheckPermission(ctx, task.WorkbasketID, workbasket.PermEditTasks); err != nil {
			return err
		}
		if (state == tasks.CallbackClaimed || state == tasks.CallbackProcessingCompleted) && !task.State.IsEndState() {
			return invalidState(task, tasks.EndStates...)
		}
		task.CallbackState = state
		task.Modified = s.now()
		if err := s.save(ctx, task); err != nil {
			return err
		}
		evt := taskEvent(tasks.EventTaskCallbackUpdated, task)
		evt.Detail = string(state)
		s.emit(ctx, evt)
		return nil
	})
}
