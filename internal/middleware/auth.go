package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/moorgate-dev/moorgate/internal/auth"
	"github.com/moorgate-dev/moorgate/internal/database"
)

type contextKey string

const (
	accountContextKey contextKey = "account"
	claimsContextKey  contextKey = "claims"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
}

// BearerToken pulls the token out of the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequireAccount authenticates the request's bearer token and loads the
// account it is bound to into the request context.
func RequireAccount(store *auth.TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}

			claims, err := store.Verify(token)
			if err != nil {
				unauthorized(w)
				return
			}

			account, err := database.GetAccount(claims.AccountID)
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), accountContextKey, account)
			ctx = context.WithValue(ctx, claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetAccount(r *http.Request) *database.Account {
	account, _ := r.Context().Value(accountContextKey).(*database.Account)
	return account
}

func GetClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*auth.Claims)
	return claims
}
