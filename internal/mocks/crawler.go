package mocks

import (
	"context"

	"github.com/Harvey-AU/nectar/internal/crawler"
	"github.com/Harvey-AU/nectar/internal/extraction"
	"github.com/stretchr/testify/mock"
)

// MockFetcher is a mock implementation of crawler.Fetcher
type MockFetcher struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockFetcher) Fetch(ctx context.Context, req *crawler.FetchRequest) (*crawler.FetchResponse, error) {
	args := m.Called(ctx, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*crawler.FetchResponse), args.Error(1)
}

// CloseSession mocks the CloseSession method
func (m *MockFetcher) CloseSession(sessionID string) {
	m.Called(sessionID)
}

// MockChatClient is a mock implementation of extraction.ChatClient
type MockChatClient struct {
	mock.Mock
}

// Complete mocks the Complete method
func (m *MockChatClient) Complete(ctx context.Context, req extraction.ChatRequest) (*extraction.ChatResponse, error) {
	args := m.Called(ctx, req)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*extraction.ChatResponse), args.Error(1)
}

// MockStrategy is a mock implementation of extraction.Strategy
type MockStrategy struct {
	mock.Mock
}

// Name mocks the Name method
func (m *MockStrategy) Name() string {
	return m.Called().String(0)
}

// Fingerprint mocks the Fingerprint method
func (m *MockStrategy) Fingerprint() string {
	return m.Called().String(0)
}

// Extract mocks the Extract method
func (m *MockStrategy) Extract(ctx context.Context, in extraction.Input) (*extraction.Output, error) {
	args := m.Called(ctx, in)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*extraction.Output), args.Error(1)
}
