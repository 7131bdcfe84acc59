package mocks

import (
	"net/http"

	"github.com/stretchr/testify/mock"
)

// MockRoundTripper is a mock http.RoundTripper for clients handed to robots and
// sitemap readers
type MockRoundTripper struct {
	mock.Mock
}

// RoundTrip mocks the RoundTrip method
func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}
