package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed response ends up in a StorageError
const maxErrorBody = 512

// StorageError is a non-success reply from the storage API
type StorageError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// SupabaseSink stores artifacts in one Supabase Storage bucket
type SupabaseSink struct {
	endpoint   string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

func NewSupabaseSink(projectURL, serviceKey, bucket string) *SupabaseSink {
	return &SupabaseSink{
		endpoint:   strings.TrimRight(projectURL, "/") + "/storage/v1/object",
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Put implements Sink, overwriting any object with the same name. The location
// is "bucket/name".
func (s *SupabaseSink) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("x-upsert", "true")

	if err := s.send(ctx, http.MethodPost, "upload", name, bytes.NewReader(data), header); err != nil {
		return "", err
	}
	return s.bucket + "/" + name, nil
}

// Remove deletes an object written by Put
func (s *SupabaseSink) Remove(ctx context.Context, name string) error {
	return s.send(ctx, http.MethodDelete, "remove", name, nil, nil)
}

// PublicURL is where name can be read when the bucket is public
func (s *SupabaseSink) PublicURL(name string) string {
	return s.endpoint + "/public/" + s.objectPath(name)
}

func (s *SupabaseSink) objectPath(name string) string {
	parts := strings.Split(strings.TrimLeft(name, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return url.PathEscape(s.bucket) + "/" + strings.Join(parts, "/")
}

func (s *SupabaseSink) send(ctx context.Context, method, op, name string, body io.Reader, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+"/"+s.objectPath(name), body)
	if err != nil {
		return fmt.Errorf("failed to build %s request for %s: %w", op, name, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage %s of %s: %w", op, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StorageError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}
