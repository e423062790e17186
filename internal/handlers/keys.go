package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/keyvault"
	"github.com/moorgate-dev/moorgate/internal/middleware"
	"github.com/moorgate-dev/moorgate/internal/sshkeys"
)

type keyCreateRequest struct {
	Name string `json:"name"`
}

// keyResponse renders a key with a masked stand-in for the stored private
// half, so callers can see one exists without it ever leaving the server.
type keyResponse struct {
	database.AccountKey
	PrivateKeyMasked string `json:"private_key_masked"`
}

func maskKey(k *database.AccountKey) keyResponse {
	return keyResponse{AccountKey: *k, PrivateKeyMasked: keyvault.Mask(k.PrivateKey)}
}

// CreateKey generates an ED25519 keypair for the account. The private half
// is encrypted under the account-derived vault key before it touches the
// database and is never returned.
func CreateKey(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)

	var req keyCreateRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Name == "" {
		req.Name = "default"
	}

	publicKey, privateKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate keypair")
		return
	}
	vaultKey, err := keyvault.DeriveKey(config.Cfg.MasterSecret, account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Key vault unavailable")
		return
	}
	blob, err := keyvault.Encrypt(privateKeyPEM, vaultKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to protect keypair")
		return
	}

	key := &database.AccountKey{
		AccountID:  account.ID,
		Name:       req.Name,
		PublicKey:  string(publicKey),
		PrivateKey: blob,
		Status:     database.KeyStatusActive,
	}
	if err := database.DB.Create(key).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store keypair")
		return
	}
	log.Printf("[keys] account %s generated key %d", account.ID, key.ID)
	writeJSON(w, http.StatusCreated, maskKey(key))
}

func ListKeys(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	var keys []database.AccountKey
	if err := database.DB.Where("account_id = ?", account.ID).Find(&keys).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for i := range keys {
		out = append(out, maskKey(&keys[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// RotateKey marks the key rotated and issues its replacement in one call,
// so the caller can re-provision authorized_keys before revoking.
func RotateKey(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}
	key, err := database.GetAccountKey(id, account.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}
	if key.Status == database.KeyStatusRevoked {
		writeError(w, http.StatusConflict, "Key is revoked")
		return
	}

	publicKey, privateKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate keypair")
		return
	}
	vaultKey, err := keyvault.DeriveKey(config.Cfg.MasterSecret, account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Key vault unavailable")
		return
	}
	blob, err := keyvault.Encrypt(privateKeyPEM, vaultKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to protect keypair")
		return
	}

	replacement := &database.AccountKey{
		AccountID:  account.ID,
		Name:       key.Name,
		PublicKey:  string(publicKey),
		PrivateKey: blob,
		Status:     database.KeyStatusActive,
	}
	if err := database.DB.Create(replacement).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store keypair")
		return
	}
	if err := database.AdvanceKeyStatus(key.ID, database.KeyStatusRotated); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rotate key")
		return
	}
	log.Printf("[keys] account %s rotated key %d -> %d", account.ID, key.ID, replacement.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rotated_key_id": key.ID,
		"replacement":    maskKey(replacement),
	})
}

// RevokeKey permanently disables the key. Sessions already established keep
// running; new starts with this key are refused.
func RevokeKey(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}
	key, err := database.GetAccountKey(id, account.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Key not found")
		return
	}
	if err := database.AdvanceKeyStatus(key.ID, database.KeyStatusRevoked); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke key")
		return
	}
	log.Printf("[keys] account %s revoked key %d", account.ID, key.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": database.KeyStatusRevoked})
}
