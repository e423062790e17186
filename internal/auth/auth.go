package auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/moorgate-dev/moorgate/internal/database"
)

const (
	TokenTTL   = 1 * time.Hour
	BcryptCost = 12
)

func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		// Generate new key
		var k fernet.Key
		k.Generate()
		keyStr = k.Encode()
		if err := database.SetSetting("fernet_key", keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// Claims is what a bearer token carries. A token is bound to exactly one
// account and one session; closing the session invalidates every token
// minted for it.
type Claims struct {
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
}

// TokenStore mints and verifies fernet bearer tokens. Tokens expire on
// their own after TokenTTL; per-session revocation is tracked in memory so
// a force-ended session cannot keep issuing commands until expiry.
type TokenStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{revoked: make(map[string]time.Time)}
}

// Mint issues a bearer token bound to the given account and session.
func (s *TokenStore) Mint(accountID, sessionID string) (string, error) {
	key, err := getKey()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Claims{AccountID: accountID, SessionID: sessionID})
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign(payload, key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(tok), nil
}

// Verify checks a bearer token's signature and TTL and returns its claims.
func (s *TokenStore) Verify(token string) (*Claims, error) {
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), TokenTTL, []*fernet.Key{key})
	if msg == nil {
		return nil, fmt.Errorf("invalid or expired token")
	}
	var claims Claims
	if err := json.Unmarshal(msg, &claims); err != nil {
		return nil, fmt.Errorf("invalid token payload")
	}
	if claims.SessionID != "" && s.isRevoked(claims.SessionID) {
		return nil, fmt.Errorf("token revoked")
	}
	return &claims, nil
}

// RevokeForSession invalidates every token minted for the session.
func (s *TokenStore) RevokeForSession(sessionID string) {
	s.mu.Lock()
	s.revoked[sessionID] = time.Now()
	s.mu.Unlock()
}

func (s *TokenStore) isRevoked(sessionID string) bool {
	s.mu.RLock()
	_, ok := s.revoked[sessionID]
	s.mu.RUnlock()
	return ok
}

// Cleanup drops revocation entries older than the token TTL; any token they
// would have blocked has expired on its own by then.
func (s *TokenStore) Cleanup() {
	cutoff := time.Now().Add(-TokenTTL)
	s.mu.Lock()
	for id, at := range s.revoked {
		if at.Before(cutoff) {
			delete(s.revoked, id)
		}
	}
	s.mu.Unlock()
}
