package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/keyvault"
	"github.com/moorgate-dev/moorgate/internal/logutil"
	"github.com/moorgate-dev/moorgate/internal/middleware"
	"github.com/moorgate-dev/moorgate/internal/sshconn"
)

type connectionCreateRequest struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	User  string `json:"user"`
	KeyID uint   `json:"key_id"`
}

// CreateConnection registers a target server for the account.
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)

	var req connectionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Host = strings.TrimSpace(req.Host)
	req.User = strings.TrimSpace(req.User)
	if req.Host == "" || req.User == "" || req.KeyID == 0 {
		writeError(w, http.StatusBadRequest, "host, user and key_id are required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		req.Port = 22
	}
	if _, err := database.GetAccountKey(req.KeyID, account.ID); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown key")
		return
	}

	conn := &database.Connection{
		AccountID: account.ID,
		Name:      req.Name,
		Host:      req.Host,
		Port:      req.Port,
		User:      req.User,
		KeyID:     req.KeyID,
	}
	if err := database.DB.Create(conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create connection")
		return
	}
	log.Printf("[connections] account %s added %s@%s:%d", account.ID,
		logutil.SanitizeForLog(req.User), logutil.SanitizeForLog(req.Host), req.Port)
	writeJSON(w, http.StatusCreated, conn)
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	var conns []database.Connection
	if err := database.DB.Where("account_id = ?", account.ID).Find(&conns).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid connection ID")
		return
	}
	conn, err := database.GetConnection(id, account.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

type testConnectionRequest struct {
	AcceptHostKeyChange bool `json:"accept_host_key_change"`
}

type testConnectionResponse struct {
	Result              string `json:"result"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	PreviousFingerprint string `json:"previous_fingerprint,omitempty"`
	LatencyMS           int64  `json:"latency_ms"`
	Detail              string `json:"detail,omitempty"`
}

// TestConnection performs a bounded end-to-end reachability and auth check.
// The first passing test pins the presented host key; later tests must
// match the pin unless the caller explicitly accepts the change.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid connection ID")
		return
	}
	conn, err := database.GetConnection(id, account.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	var req testConnectionRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	key, err := database.GetAccountKey(conn.KeyID, account.ID)
	if err != nil {
		writeError(w, http.StatusConflict, "Connection's key no longer exists")
		return
	}
	vaultKey, err := keyvault.DeriveKey(config.Cfg.MasterSecret, account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Key vault unavailable")
		return
	}
	privateKeyPEM, err := keyvault.Decrypt(key.PrivateKey, vaultKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unlock key")
		return
	}

	pinned := conn.HostKeyFingerprint
	if req.AcceptHostKeyChange {
		// Explicit operator decision to trust whatever the host presents
		// now.
		pinned = ""
	}

	result := sshconn.Test(r.Context(), conn.Host, conn.Port, conn.User, privateKeyPEM, pinned)

	if err := database.RecordTestResult(conn.ID, string(result.Result)); err != nil {
		log.Printf("[connections] record test result for %d: %v", conn.ID, err)
	}
	if result.Result == sshconn.TestOK && result.Fingerprint != "" &&
		(conn.HostKeyFingerprint == "" || req.AcceptHostKeyChange) {
		if err := database.PinHostKey(conn.ID, result.Fingerprint); err != nil {
			log.Printf("[connections] pin host key for %d: %v", conn.ID, err)
		}
	}

	resp := testConnectionResponse{
		Result:      string(result.Result),
		Fingerprint: result.Fingerprint,
		LatencyMS:   result.Latency.Milliseconds(),
		Detail:      result.Detail,
	}
	if result.Result == sshconn.TestHostKeyChanged {
		resp.PreviousFingerprint = result.PreviousFingerprint
	}
	writeJSON(w, http.StatusOK, resp)
}
