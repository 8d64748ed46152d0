package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamwatch/chat"
	"github.com/onnwee/streamwatch/telemetry"
)

type chatResponse struct {
	SessionToken uuid.UUID   `json:"session_token"`
	Items        []chat.Item `json:"items"`
}

// HandleStreamsDispatcher routes requests under /streams/{id}/*.
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	idPart, tail, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "chat":
		h.handleStreamChat(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleStreamChat returns the chat items of a stream within [start, end]
// (epoch milliseconds) for the caller's session, creating one when
// session_token is absent.
func (h *Handlers) handleStreamChat(w http.ResponseWriter, r *http.Request, streamID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	began := time.Now()
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "chat_http"), slog.Int64("stream_id", streamID))

	badRequest := func(msg string) {
		telemetry.ObserveChatRequest("bad_request", time.Since(began))
		http.Error(w, msg, http.StatusBadRequest)
	}

	token := uuid.Nil
	if v := r.URL.Query().Get("session_token"); v != "" {
		t, err := uuid.Parse(v)
		if err != nil {
			badRequest("invalid session_token")
			return
		}
		token = t
	}
	startMs, err := parseInt64Query(r, "start")
	if err != nil {
		badRequest(err.Error())
		return
	}
	endMs, err := parseInt64Query(r, "end")
	if err != nil {
		badRequest(err.Error())
		return
	}
	if startMs > endMs {
		badRequest("start must not be after end")
		return
	}

	token, items, err := h.cache.Get(r.Context(), token, streamID, time.UnixMilli(startMs).UTC(), time.UnixMilli(endMs).UTC())
	switch {
	case errors.Is(err, chat.ErrStreamNotFound):
		telemetry.ObserveChatRequest("not_found", time.Since(began))
		http.NotFound(w, r)
		return
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		telemetry.ObserveChatRequest("canceled", time.Since(began))
		logger.Debug("chat request abandoned by client")
		return
	case err != nil:
		telemetry.ObserveChatRequest("error", time.Since(began))
		logger.Error("chat request failed", slog.Any("err", err), slog.String("session", token.String()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	telemetry.ObserveChatRequest("ok", time.Since(began))
	writeJSON(w, http.StatusOK, chatResponse{SessionToken: token, Items: items})
}
