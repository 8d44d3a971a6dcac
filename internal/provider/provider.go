// Package provider holds the generic OpenAI-dialect HTTP client the
// Dispatcher calls against, plus the Catalog that ties each configured
// provider's base URL to the ledger.KeyRefs backing it. Every provider
// this conductor talks to speaks the same chat-completions dialect, so
// only the base URL and API key differ — there is no per-vendor package.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/trainforge/conductor/internal/domain"
)

// Descriptor is one configured upstream provider.
type Descriptor struct {
	ID      string
	BaseURL string
	Enabled bool
}

// wireRequest is the outbound OpenAI-dialect payload. It mirrors
// domain.ChatRequest but substitutes the resolved native model name and
// drops the conductor-only ForcedProvider field.
type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

// Client speaks the OpenAI-compatible chat-completions dialect to any
// configured base URL. One Client is shared by every provider and key —
// it carries no per-provider state.
type Client struct {
	http *http.Client
}

// New builds a Client using httpClient for outbound calls. Passing the
// shared httputil client keeps connection pooling and timeouts consistent
// across every upstream call the Dispatcher makes.
func New(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// ChatCompletion posts req against baseURL+"/chat/completions" with the
// resolved native model name, authenticating with apiKey. On a non-2xx
// response it returns a *domain.UpstreamError carrying the status code and
// a retryAfter hint parsed from the Retry-After header when present.
func (c *Client) ChatCompletion(ctx context.Context, baseURL, apiKey, nativeModel string, req domain.ChatRequest) (*domain.ChatResponse, time.Duration, error) {
	wire := wireRequest{
		Model:       nativeModel,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, retryAfter(resp), &domain.UpstreamError{
			StatusCode:  resp.StatusCode,
			Message:     fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(bodyBytes)),
			ClientFault: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests,
		}
	}

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, 0, fmt.Errorf("decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, 0, &domain.UpstreamError{
			StatusCode:  resp.StatusCode,
			Message:     "upstream returned 2xx with no choices",
			ClientFault: false,
		}
	}
	return &chatResp, 0, nil
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
