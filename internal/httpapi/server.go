package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/apperr"
	"github.com/ent0n29/taskrouter/internal/config"
	"github.com/ent0n29/taskrouter/internal/distribution"
	"github.com/ent0n29/taskrouter/internal/observability"
	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/taskruntime"
)

const (
	headerUserID     = "X-User-Id"
	headerUserGroups = "X-User-Groups"
	headerUserRoles  = "X-User-Roles"
)

type Server struct {
	cfg         config.Config
	tasks       *taskruntime.Service
	distributor *distribution.Engine
	metrics     *observability.Metrics
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, tasks *taskruntime.Service, distributor *distribution.Engine, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		tasks:       tasks,
		distributor: distributor,
		metrics:     metrics,
		logger:      logger.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.principalMiddleware)

		r.Post("/v1/tasks", s.handleCreateTask)
		r.Post("/v1/tasks/complete", s.handleCompleteTasks)
		r.Post("/v1/tasks/callback-state", s.handleSetCallbackState)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/claim", s.handleClaim)
		r.Post("/v1/tasks/{id}/cancel-claim", s.handleCancelClaim)
		r.Post("/v1/tasks/{id}/complete", s.handleComplete)
		r.Post("/v1/tasks/{id}/cancel", s.handleCancel)
		r.Post("/v1/tasks/{id}/terminate", s.handleTerminate)
		r.Post("/v1/tasks/{id}/reopen", s.handleReopen)
		r.Post("/v1/tasks/{id}/request-review", s.handleRequestReview)
		r.Post("/v1/tasks/{id}/request-changes", s.handleRequestChanges)
		r.Post("/v1/tasks/{id}/transfer", s.handleTransfer)

		r.Post("/v1/distributions", s.handleDistribute)
		r.Get("/v1/workbaskets/{id}/events/ws", s.handleWorkbasketEvents)

		r.Get("/v1/admin/connection-mode", s.handleGetConnectionMode)
		r.Put("/v1/admin/connection-mode", s.handleSetConnectionMode)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"connection_mode": s.tasks.Coordinator().Mode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                  "ready",
		"connection_mode":         s.tasks.Coordinator().Mode(),
		"distribution_strategies": s.tasks.Registry().Distribution.Strategies(),
	})
}

// principalMiddleware puts the caller identity from the X-User-* headers on
// the request context. Requests without a user id continue anonymously and
// are rejected by the operations that need a principal.
func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.TrustPrincipalHeaders {
			next.ServeHTTP(w, r)
			return
		}
		userID := strings.TrimSpace(r.Header.Get(headerUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		p := policy.Principal{
			UserID: userID,
			Groups: splitHeader(r.Header.Get(headerUserGroups)),
		}
		for _, raw := range splitHeader(r.Header.Get(headerUserRoles)) {
			role, err := policy.ParseRole(raw)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
				return
			}
			p.Roles = append(p.Roles, role)
		}
		next.ServeHTTP(w, r.WithContext(policy.WithPrincipal(r.Context(), p)))
	})
}

func splitHeader(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotAuthorized:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidState, apperr.CodeInvalidOwner, apperr.CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError maps engine errors onto HTTP. SYSTEM errors are logged and
// their cause is not echoed to the client.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	message := err.Error()
	if code == apperr.CodeSystem {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		message = "internal error"
	}
	respondError(w, statusFor(code), strings.ToLower(string(code)), message)
}
