package crawler

import (
	"context"
	"os"
	"sync/atomic"
)

// countingFetcher answers every request with a fixed page and counts calls
type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	f.calls.Add(1)
	return &FetchResponse{URL: req.URL, StatusCode: 200, HTML: "<p>network</p>"}, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
