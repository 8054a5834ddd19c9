package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	} `json:"data"`
}

// authorize exchanges the configured access token for a single-use websocket
// URL. Missing tokens and auth rejections are fatal; everything else is a
// transient failure the reconnect loop may retry.
func (m *Manager) authorize(ctx context.Context) (string, error) {
	token := strings.TrimSpace(os.Getenv(m.cfg.Feed.TokenEnv))
	if token == "" {
		return "", &FatalError{Op: "authorize", Err: fmt.Errorf("access token env %s is empty", m.cfg.Feed.TokenEnv)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Feed.AuthURL, nil)
	if err != nil {
		return "", &FatalError{Op: "authorize", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("authorize read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &FatalError{Op: "authorize", Err: fmt.Errorf("access token rejected with status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("authorize unexpected status %d", resp.StatusCode)
	}

	var parsed authorizeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("authorize parse response: %w", err)
	}
	if parsed.Data.AuthorizedRedirectURI == "" {
		return "", fmt.Errorf("authorize response missing redirect uri")
	}
	return parsed.Data.AuthorizedRedirectURI, nil
}
