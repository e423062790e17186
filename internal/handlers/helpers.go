package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/moorgate-dev/moorgate/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeCodeError carries a stable machine-readable code next to the detail.
func writeCodeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"code": code, "detail": detail})
}

// writeCoreError maps a core error code onto an HTTP status.
func writeCoreError(w http.ResponseWriter, err *core.Error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeConnectionNotTested, core.CodeKeypairRevoked:
		status = http.StatusConflict
	case core.CodeSessionLimit:
		status = http.StatusTooManyRequests
	case core.CodeSSHConnectFailed:
		status = http.StatusBadGateway
	}
	writeCodeError(w, status, err.Code, err.Detail)
}

func uintParam(r *http.Request, name string) (uint, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || v < 0 {
		return 0, strconv.ErrSyntax
	}
	return uint(v), nil
}
