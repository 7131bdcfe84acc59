package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const loopsBaseURL = "https://app.loops.so/api/v1"

// EmailChannel emails summaries through a Loops.so transactional template. The
// template receives the summary fields as data variables.
type EmailChannel struct {
	apiKey     string
	templateID string
	to         string
	baseURL    string
	httpClient *http.Client
}

// NewEmailChannel creates a channel that sends templateID to the address to
func NewEmailChannel(apiKey, templateID, to string) (*EmailChannel, error) {
	if apiKey == "" || templateID == "" || to == "" {
		return nil, errors.New("loops api key, template id and recipient are required")
	}
	return &EmailChannel{
		apiKey:     apiKey,
		templateID: templateID,
		to:         to,
		baseURL:    loopsBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Name returns the channel name
func (c *EmailChannel) Name() string {
	return "email"
}

// transactionalRequest is the body of POST /transactional
type transactionalRequest struct {
	Email           string         `json:"email"`
	TransactionalID string         `json:"transactionalId"`
	DataVariables   map[string]any `json:"dataVariables,omitempty"`
}

// LoopsError represents an error response from the Loops API
type LoopsError struct {
	StatusCode int
	Message    string
}

func (e *LoopsError) Error() string {
	return fmt.Sprintf("loops: API error %d: %s", e.StatusCode, e.Message)
}

// Deliver sends the summary email. The summary id is the idempotency key, so a
// retried delivery is not sent twice.
func (c *EmailChannel) Deliver(ctx context.Context, s *Summary) error {
	failures := ""
	for _, f := range s.Failures {
		failures += fmt.Sprintf("%s: %s\n", f.URL, f.Message)
	}

	body, err := json.Marshal(transactionalRequest{
		Email:           c.to,
		TransactionalID: c.templateID,
		DataVariables: map[string]any{
			"title":     s.Title,
			"message":   s.Message(),
			"total":     s.Total,
			"succeeded": s.Succeeded,
			"failed":    s.Failed,
			"cacheHits": s.CacheHits,
			"duration":  formatDuration(s.Duration),
			"failures":  failures,
		},
	})
	if err != nil {
		return fmt.Errorf("loops: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactional", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("loops: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if s.ID != "" {
		req.Header.Set("Idempotency-Key", s.ID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loops: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	// Parse structured error if available
	var apiResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &apiResp) == nil && apiResp.Message != "" {
		return &LoopsError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &LoopsError{StatusCode: resp.StatusCode, Message: string(raw)}
}
