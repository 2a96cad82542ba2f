package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// reject refuses a /media request before the upgrade.
func (a *App) reject(ctx context.Context, w http.ResponseWriter, status int, reason, msg string) {
	a.deps.Metrics.RecordRejectedSession(ctx, reason)
	slog.Info("session rejected", "reason", reason)
	writeError(w, status, reason, msg)
}

// handleLiveSessions returns the sessions running on this server.
func (a *App) handleLiveSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

// handleHangup ends a live session.
func (a *App) handleHangup(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator_hangup"
	}
	if err := a.sessions.Hangup(chi.URLParam(r, "id"), reason); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no live session with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLiveSession returns one running session.
func (a *App) handleLiveSession(w http.ResponseWriter, r *http.Request) {
	info, ok := a.sessions.Info(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no live session with that id")
		return
	}
	writeJSON(w, http.StatusOK, info)
}
