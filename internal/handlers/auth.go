package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/credits"
	"github.com/moorgate-dev/moorgate/internal/database"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type tokenResponse struct {
	AccountID string `json:"account_id"`
	Token     string `json:"token"`
}

// Register creates a local account with a password.
func Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Email and a password of at least 8 characters are required")
		return
	}

	if _, err := database.GetAccountByExternalRef("local:" + req.Email); err == nil {
		writeError(w, http.StatusConflict, "Account already exists")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	account := &database.Account{
		ID:           uuid.NewString(),
		ExternalRef:  "local:" + req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
	}
	if err := database.CreateAccount(account); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	grantWelcomeCredit(account.ID)

	token, err := deps.Tokens.Mint(account.ID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	log.Printf("[auth] account %s registered", account.ID)
	writeJSON(w, http.StatusCreated, tokenResponse{AccountID: account.ID, Token: token})
}

// grantWelcomeCredit applies the operator-configured signup credit, if any.
// Keyed by account id so a retried registration cannot double-grant.
func grantWelcomeCredit(accountID string) {
	raw, err := database.GetSetting("welcome_credit_seconds")
	if err != nil {
		return
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return
	}
	if err := credits.AddCredits(accountID, seconds, "welcome", "welcome:"+accountID); err != nil {
		log.Printf("[auth] welcome credit for %s: %v", accountID, err)
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies a local account password and issues a bearer token.
func Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	account, err := database.GetAccountByExternalRef("local:" + req.Email)
	if err != nil || !auth.CheckPassword(req.Password, account.PasswordHash) {
		// Same answer for unknown account and wrong password.
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := deps.Tokens.Mint(account.ID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccountID: account.ID, Token: token})
}

type oauthRequest struct {
	Code string `json:"code"`
}

// OAuthExchange trades a provider authorization code for a bearer token,
// creating the account on first sight of the provider's opaque reference.
func OAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req oauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if deps.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "Identity provider not configured")
		return
	}

	ref, err := deps.Identity.Exchange(r.Context(), req.Code)
	if err != nil {
		log.Printf("[auth] identity exchange failed: %v", err)
		writeError(w, http.StatusUnauthorized, "Identity exchange failed")
		return
	}

	account, err := database.GetAccountByExternalRef(ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = &database.Account{ID: uuid.NewString(), ExternalRef: ref}
		if err := database.CreateAccount(account); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to create account")
			return
		}
		log.Printf("[auth] account %s created from identity exchange", account.ID)
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to look up account")
		return
	}

	token, err := deps.Tokens.Mint(account.ID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccountID: account.ID, Token: token})
}
