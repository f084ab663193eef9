package tasks

import (
	"fmt"
	"strings"

	"github.com/ent0n29/taskrouter/internal/apperr"
)

type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

func (e *NotFoundError) Code() apperr.Code { return apperr.CodeNotFound }

type AlreadyExistError struct {
	ExternalID string
}

func (e *AlreadyExistError) Error() string {
	return fmt.Sprintf("task with external id %q already exists", e.ExternalID)
}

func (e *AlreadyExistError) Code() apperr.Code { return apperr.CodeAlreadyExists }

// InvalidStateError is returned when a task is not in one of the states an
// operation requires.
type InvalidStateError struct {
	TaskID   string
	State    State
	Required []State
}

func (e *InvalidStateError) Error() string {
	required := make([]string, len(e.Required))
	for i, s := range e.Required {
		required[i] = string(s)
	}
	return fmt.Sprintf("task %q is in state %s, required one of [%s]", e.TaskID, e.State, strings.Join(required, ", "))
}

func (e *InvalidStateError) Code() apperr.Code { return apperr.CodeInvalidState }

type InvalidOwnerError struct {
	TaskID string
	Owner  string
	UserID string
}

func (e *InvalidOwnerError) Error() string {
	return fmt.Sprintf("task %q is owned by %q, not by %q", e.TaskID, e.Owner, e.UserID)
}

func (e *InvalidOwnerError) Code() apperr.Code { return apperr.CodeInvalidOwner }

// ReopenWithCallbackError blocks reopening a task whose callback has not
// been reset.
type ReopenWithCallbackError struct {
	TaskID        string
	CallbackState CallbackState
}

func (e *ReopenWithCallbackError) Error() string {
	return fmt.Sprintf("task %q cannot be reopened while callback state is %s", e.TaskID, e.CallbackState)
}

func (e *ReopenWithCallbackError) Code() apperr.Code { return apperr.CodeInvalidState }
