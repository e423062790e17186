package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"

	"github.com/moorgate-dev/moorgate/internal/config"
	"github.com/moorgate-dev/moorgate/internal/credits"
	"github.com/moorgate-dev/moorgate/internal/database"
	"github.com/moorgate-dev/moorgate/internal/middleware"
)

// GetCredits returns the account's balance and recent ledger entries.
func GetCredits(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r)

	balance, err := credits.Balance(account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	ledger, err := credits.Ledger(account.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credit_seconds": balance,
		"ledger":         ledger,
	})
}

type paymentEvent struct {
	EventID     string `json:"event_id"`
	ExternalRef string `json:"account_ref"`
	AccountID   string `json:"account_id"`
	Seconds     int64  `json:"seconds"`
}

// PaymentWebhook credits an account for a purchase. Deliveries are
// at-least-once; the event id keys the credit so replays are no-ops.
func PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	secret := config.Cfg.PaymentWebhookSecret
	if secret == "" ||
		subtle.ConstantTimeCompare([]byte(middleware.BearerToken(r)), []byte(secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "Invalid webhook credentials")
		return
	}

	var event paymentEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if event.EventID == "" || event.Seconds <= 0 {
		writeError(w, http.StatusBadRequest, "event_id and a positive seconds value are required")
		return
	}

	accountID := event.AccountID
	if accountID == "" && event.ExternalRef != "" {
		account, err := database.GetAccountByExternalRef(event.ExternalRef)
		if err != nil {
			writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		accountID = account.ID
	}
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id or account_ref is required")
		return
	}

	if err := credits.AddCredits(accountID, event.Seconds, "purchase", event.EventID); err != nil {
		log.Printf("[credits] webhook credit for %s failed: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "Failed to apply credit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
