package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/telemetry"
)

// HandleAdminChatSessions lists cached chat sessions (GET /admin/chat/sessions)
// or drops one (DELETE /admin/chat/sessions/{token}).
func (h *Handlers) HandleAdminChatSessions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/chat/sessions"), "/")
	switch {
	case tail == "" && r.Method == http.MethodGet:
		sessions, err := h.cache.Sessions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "sessions": sessions})
	case tail != "" && r.Method == http.MethodDelete:
		token, err := uuid.Parse(tail)
		if err != nil {
			http.Error(w, "invalid session token", http.StatusBadRequest)
			return
		}
		ok, err := h.cache.Drop(r.Context(), token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Info("chat session dropped", slog.String("session", token.String()), slog.String("component", "admin"))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
