package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/middleware"
)

// Chat upgrades to the session's chat WebSocket. Authentication happens on
// the socket itself via the auth frame, so the route carries no bearer
// middleware.
func Chat(w http.ResponseWriter, r *http.Request) {
	deps.Bridge.ServeChat(w, r, chi.URLParam(r, "id"))
}

func agentAuthorized(r *http.Request) bool {
	secret := config.Cfg.AgentSecret
	return secret != "" &&
		subtle.ConstantTimeCompare([]byte(middleware.BearerToken(r)), []byte(secret)) == 1
}

type pushRequest struct {
	Text string `json:"text"`
}

// Push is the agent collaborator's reply path: the text fans out to every
// chat client attached to the session.
func Push(w http.ResponseWriter, r *http.Request) {
	if !agentAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Invalid agent credentials")
		return
	}
	sessionID := chi.URLParam(r, "id")
	if _, ok := deps.Store.Get(sessionID); !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	reached := deps.Push(sessionID, req.Text)
	writeJSON(w, http.StatusOK, map[string]int{"clients": reached})
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error,omitempty"`
}

// Exec runs one command over the session's multiplexed connection on the
// agent's behalf. A failed command is reported in the response body; it
// never ends the session.
func Exec(w http.ResponseWriter, r *http.Request) {
	if !agentAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Invalid agent credentials")
		return
	}
	sessionID := chi.URLParam(r, "id")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	stdout, stderr, err := deps.Core.Exec(r.Context(), sessionID, req.Command)
	if err != nil {
		if _, ok := deps.Store.Get(sessionID); !ok {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeJSON(w, http.StatusOK, execResponse{Stdout: stdout, Stderr: stderr, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Stdout: stdout, Stderr: stderr})
}
