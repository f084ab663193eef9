package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/tasks"
)

type createTaskRequest struct {
	ExternalID     string            `json:"external_id"`
	WorkbasketID   string            `json:"workbasket_id"`
	Name           string            `json:"name"`
	Note           string            `json:"note"`
	ManualPriority *int              `json:"manual_priority"`
	CustomFields   map[string]string `json:"custom_fields"`
	CustomInts     map[string]int    `json:"custom_ints"`
	Attributes     map[string]string `json:"attributes"`
}

type transferRequest struct {
	DestinationWorkbasketID string `json:"destination_workbasket_id"`
	SetTransferFlag         *bool  `json:"set_transfer_flag"`
}

type completeTasksRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type callbackStateRequest struct {
	ExternalIDs []string `json:"external_ids"`
	State       string   `json:"state"`
}

type taskOperation func(ctx context.Context, taskID string) (tasks.Task, error)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	task := tasks.NewTask(req.WorkbasketID)
	task.ExternalID = req.ExternalID
	task.Name = strings.TrimSpace(req.Name)
	task.Note = req.Note
	task.ManualPriority = req.ManualPriority
	task.CustomFields = req.CustomFields
	task.CustomInts = req.CustomInts
	task.Attributes = req.Attributes

	created, err := s.tasks.CreateTask(r.Context(), task)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, s.tasks.GetTask)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, pick(r, s.tasks.Claim, s.tasks.ForceClaim))
}

func (s *Server) handleCancelClaim(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, pick(r, s.tasks.CancelClaim, s.tasks.ForceCancelClaim))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, pick(r, s.tasks.CompleteTask, s.tasks.ForceCompleteTask))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, s.tasks.CancelTask)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, s.tasks.TerminateTask)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, s.tasks.Reopen)
}

func (s *Server) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, pick(r, s.tasks.RequestReview, s.tasks.ForceRequestReview))
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	s.runTaskOperation(w, r, pick(r, s.tasks.RequestChanges, s.tasks.ForceRequestChanges))
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	dest := strings.TrimSpace(req.DestinationWorkbasketID)
	if dest == "" {
		respondError(w, http.StatusBadRequest, "invalid_argument", "destination_workbasket_id is required")
		return
	}
	setFlag := true
	if req.SetTransferFlag != nil {
		setFlag = *req.SetTransferFlag
	}
	s.runTaskOperation(w, r, func(ctx context.Context, taskID string) (tasks.Task, error) {
		return s.tasks.Transfer(ctx, taskID, dest, setFlag)
	})
}

func (s *Server) handleCompleteTasks(w http.ResponseWriter, r *http.Request) {
	var req completeTasksRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	outcome, err := s.tasks.CompleteTasks(r.Context(), req.TaskIDs)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSetCallbackState(w http.ResponseWriter, r *http.Request) {
	var req callbackStateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if strings.TrimSpace(req.State) == "" {
		respondError(w, http.StatusBadRequest, "invalid_argument", "state is required")
		return
	}
	state, err := tasks.ParseCallbackState(req.State)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	outcome, err := s.tasks.SetCallbackState(r.Context(), req.ExternalIDs, state)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) runTaskOperation(w http.ResponseWriter, r *http.Request, op taskOperation) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_argument", "missing task id")
		return
	}
	task, err := op(r.Context(), taskID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// pick selects the forced variant when the request carries ?force=true.
func pick(r *http.Request, normal, forced taskOperation) taskOperation {
	raw := strings.TrimSpace(r.URL.Query().Get("force"))
	if raw == "" {
		return normal
	}
	force, err := strconv.ParseBool(raw)
	if err != nil {
		return func(context.Context, string) (tasks.Task, error) {
			return tasks.Task{}, apperr.InvalidArgument("force must be a boolean, got %q", raw)
		}
	}
	if force {
		return forced
	}
	return normal
}
