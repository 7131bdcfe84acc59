package crawlerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := Fetch("https://example.com", "navigate", errors.New("connection refused"))
	assert.Equal(t, "FetchError during navigate for https://example.com: connection refused", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{name: "fetch", err: Fetch("u", "get", errors.New("x")), expected: KindFetch},
		{name: "render", err: Render("u", "wait", errors.New("x")), expected: KindRender},
		{name: "wrapped_provider", err: fmt.Errorf("chunk 2: %w", Provider("u", "chat", errors.New("x"))), expected: KindProvider},
		{name: "plain_error", err: errors.New("x"), expected: ""},
		{name: "nil", err: nil, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestTimeoutDetection(t *testing.T) {
	err := Fetch("https://example.com", "get", context.DeadlineExceeded)
	assert.True(t, err.Timeout)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "(timeout)")

	assert.True(t, IsTimeout(Timeout("u", "page_timeout", errors.New("slow"))))
	assert.False(t, IsTimeout(Fetch("u", "get", errors.New("refused"))))
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Cache("https://a.test", "get", errors.New("disk full")))

	assert.True(t, errors.Is(err, &Error{Kind: KindCache}))
	assert.True(t, errors.Is(err, &Error{Kind: KindCache, URL: "https://a.test"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindFetch}))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Fetch("u", "get", errors.New("x"))))
	assert.True(t, IsTerminal(Render("u", "wait", errors.New("x"))))
	assert.False(t, IsTerminal(Extraction("u", "css", errors.New("x"))))
	assert.False(t, IsTerminal(Cache("u", "put", errors.New("x"))))
	assert.False(t, IsTerminal(nil))
}
