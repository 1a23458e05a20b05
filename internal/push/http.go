package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/louisbranch/courier/internal/platform/timeouts"
)

// HTTPProvider delivers notifications through an HTTP push relay: one POST
// per batch, carrying the tokens and payload, answered with per-token
// results.
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the relay at endpoint. Returns
// nil when no endpoint is configured, which disables push delivery.
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: timeouts.PushSend,
		},
	}
}

type sendRequest struct {
	Tokens       []string     `json:"tokens"`
	Notification Notification `json:"notification"`
}

type sendResponse struct {
	Results []struct {
		Token string `json:"token"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// Send posts the batch to the relay. Token-level failures come back in the
// results; only transport and protocol problems produce an error.
func (p *HTTPProvider) Send(ctx context.Context, tokens []string, notification Notification) ([]Result, error) {
	if p == nil || p.httpClient == nil {
		return nil, errors.New("push provider is not configured")
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(sendRequest{Tokens: tokens, Notification: notification})
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call push relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("push relay status %d", resp.StatusCode)
	}

	var payload sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}

	results := make([]Result, 0, len(payload.Results))
	for _, item := range payload.Results {
		result := Result{Token: item.Token}
		if item.Error != "" {
			result.Err = errors.New(item.Error)
		}
		results = append(results, result)
	}
	return results, nil
}
