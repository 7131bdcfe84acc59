package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmailChannel(t *testing.T, handler http.HandlerFunc) *EmailChannel {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ch, err := NewEmailChannel("test-api-key", "tmpl-1", "ops@example.com")
	require.NoError(t, err)
	ch.baseURL = server.URL
	ch.httpClient = server.Client()
	return ch
}

func TestNewEmailChannelRequiresSettings(t *testing.T) {
	_, err := NewEmailChannel("", "tmpl", "ops@example.com")
	assert.Error(t, err)
	_, err = NewEmailChannel("key", "tmpl", "")
	assert.Error(t, err)
}

func TestEmailChannelDeliver(t *testing.T) {
	var (
		body        map[string]any
		auth        string
		idempotency string
		path        string
	)
	ch := newTestEmailChannel(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		idempotency = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	})

	summary := &Summary{
		ID:        "sum-1",
		Title:     "Nightly crawl",
		Total:     3,
		Succeeded: 2,
		Failed:    1,
		Duration:  90 * time.Second,
		Failures:  []Failure{{URL: "https://a.test", Message: "timeout"}},
	}
	require.NoError(t, ch.Deliver(context.Background(), summary))

	assert.Equal(t, "/transactional", path)
	assert.Equal(t, "Bearer test-api-key", auth)
	assert.Equal(t, "sum-1", idempotency)
	assert.Equal(t, "ops@example.com", body["email"])
	assert.Equal(t, "tmpl-1", body["transactionalId"])

	vars := body["dataVariables"].(map[string]any)
	assert.Equal(t, "Nightly crawl", vars["title"])
	assert.Equal(t, float64(1), vars["failed"])
	assert.Equal(t, "https://a.test: timeout\n", vars["failures"])
}

func TestEmailChannelErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "structured", status: http.StatusBadRequest, body: `{"message":"Invalid transactional ID"}`, wantMsg: "Invalid transactional ID"},
		{name: "plain", status: http.StatusTooManyRequests, body: "slow down", wantMsg: "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newTestEmailChannel(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := ch.Deliver(context.Background(), &Summary{ID: "x"})
			var apiErr *LoopsError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestEmailChannelContextCancelled(t *testing.T) {
	ch := newTestEmailChannel(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, ch.Deliver(ctx, &Summary{}))
}
