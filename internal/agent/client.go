package agent

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

// Relayer forwards a user turn to the agent service. The agent replies
// asynchronously by POSTing to the push endpoint, so Relay only confirms
// acceptance. Relay failures surface an error frame to the chat client and
// never tear down the session.
type Relayer interface {
	Relay(ctx context.Context, sessionID, text, identity string) error
}

// Pusher delivers an agent-originated message to every chat client attached
// to a session and reports how many were reached. The bridge's SendToSession
// is the production implementation.
type Pusher func(sessionID, text string) int

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Client is the HTTP Relayer against the real agent service.
type Client struct{}

type relayRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Identity  string `json:"identity,omitempty"`
}

func doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, config.Cfg.AgentURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.Cfg.AgentSecret != "" {
		req.Header.Set("Authorization", "Bearer "+config.Cfg.AgentSecret)
	}

	return httpClient.Do(req)
}

// Relay hands the turn to the agent service.
func (c *Client) Relay(ctx context.Context, sessionID, text, identity string) error {
	resp, err := doRequest(ctx, "POST", "/v1/turns", relayRequest{
		SessionID: sessionID,
		Text:      text,
		Identity:  identity,
	})
	if err != nil {
		return fmt.Errorf("relay turn: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay turn: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// CancelSession tells the agent service to drop any in-flight work for the
// session. 404 is fine, the agent may never have seen it.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	resp, err := doRequest(ctx, "DELETE", "/v1/sessions/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != 404 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cancel session: HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
