// Package identity is the boundary to the OAuth identity collaborator. The
// provider exchange stays opaque here: the core only ever sees the opaque
// external reference the provider returns.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/moorgate-dev/moorgate/internal/config"
)

// Exchanger turns a provider authorization code into an opaque external
// account reference.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (externalRef string, err error)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Client exchanges codes against the real identity service.
type Client struct{}

func (c *Client) Exchange(ctx context.Context, code string) (string, error) {
	if config.Cfg.IdentityURL == "" {
		return "", fmt.Errorf("identity service not configured")
	}

	payload, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", config.Cfg.IdentityURL+"/v1/exchange", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("exchange code: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		AccountRef string `json:"account_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode exchange response: %w", err)
	}
	if out.AccountRef == "" {
		return "", fmt.Errorf("exchange response missing account_ref")
	}
	return out.AccountRef, nil
}
