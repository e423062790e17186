package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/moorgate-dev/moorgate/internal/core"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/middleware"
	"github.com/moorgate-dev/moorgate/internal/sessions"
)

type startSessionRequest struct {
	ConnectionID uint `json:"connection_id"`
}

// StartSession establishes a new session over the account's connection.
func StartSession(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == 0 {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	result, err := deps.Core.StartSession(r.Context(), account.ID, req.ConnectionID)
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			writeCoreError(w, ce)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type sessionResponse struct {
	sessions.Session
	Status      string `json:"status"`
	CloseReason string `json:"close_reason,omitempty"`
}

// GetSession returns the session's live record if present, otherwise its
// lease.
func GetSession(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	sessionID := chi.URLParam(r, "id")

	if sess, ok := deps.Store.Get(sessionID); ok && sess.AccountID == account.ID {
		writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Status: database.LeaseActive})
		return
	}

	lease, err := database.GetLease(sessionID)
	if err != nil || lease.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Session:     sessions.Session{ID: lease.SessionID, AccountID: lease.AccountID, ConnectionID: lease.ConnectionID},
		Status:      lease.Status,
		CloseReason: lease.CloseReason,
	})
}

// ListSessions returns the account's live sessions. With ?status= it lists
// leases in that state instead.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)

	if status := r.URL.Query().Get("status"); status != "" {
		var leases []database.SessionLease
		err := database.DB.
			Where("account_id = ? AND status = ?", account.ID, status).
			Order("started_at desc").Limit(100).
			Find(&leases).Error
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list sessions")
			return
		}
		writeJSON(w, http.StatusOK, leases)
		return
	}

	live := make([]sessionResponse, 0)
	for _, sess := range deps.Store.List() {
		if sess.AccountID == account.ID {
			live = append(live, sessionResponse{Session: sess, Status: database.LeaseActive})
		}
	}
	writeJSON(w, http.StatusOK, live)
}

// DeleteSession ends a session. Idempotent: closing an already-closed
// session succeeds.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	sessionID := chi.URLParam(r, "id")

	if sess, ok := deps.Store.Get(sessionID); ok {
		if sess.AccountID != account.ID {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		deps.Core.CloseSession(sessionID, "user")
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
		return
	}

	// Not live. If a lease exists for this account the close already
	// happened, which still counts as success.
	lease, err := database.GetLease(sessionID)
	if err != nil || lease.AccountID != account.ID {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
