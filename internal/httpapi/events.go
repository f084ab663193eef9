package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taskrouter/internal/workbasket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPongWait     = 60 * time.Second
	eventPingPeriod   = eventPongWait * 9 / 10
)

// handleWorkbasketEvents streams lifecycle events of one workbasket as JSON
// text frames. The caller needs READTASKS on the workbasket.
func (s *Server) handleWorkbasketEvents(w http.ResponseWriter, r *http.Request) {
	workbasketID := strings.TrimSpace(chi.URLParam(r, "id"))
	if workbasketID == "" {
		respondError(w, http.StatusBadRequest, "invalid_argument", "missing workbasket id")
		return
	}
	if _, err := s.tasks.Gate().CheckPermission(r.Context(), workbasketID, workbasket.PermReadTasks); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	events, unsubscribe := s.tasks.Subscribe(workbasketID)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only services control frames and notices disconnects.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event stream write failed",
					zap.String("workbasket_id", workbasketID),
					zap.Error(err),
				)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
