package handlers

import (
	"net/http"
	"strconv"

	"github.com/moorgate-dev/moorgate/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 1000
)

// GetLogs returns the tail of the server log. Secrets never reach the log
// in the first place, so the tail is safe to serve to authenticated callers.
func GetLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = parsed
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	tail, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearLogs truncates the server log file.
func ClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
