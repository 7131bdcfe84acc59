// Package extraction turns page content into structured JSON records
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Strategy extracts structured records from one page
type Strategy interface {
	// Name is a short identifier such as "css" or "llm"
	Name() string
	// Fingerprint identifies the strategy and its parameters for cache keys
	Fingerprint() string
	Extract(ctx context.Context, in Input) (*Output, error)
}

// Input is the page content available to a strategy
type Input struct {
	URL         string
	HTML        string
	CleanedHTML string
	Markdown    string
	FitMarkdown string
}

// Output is the result of an extraction. Content is a JSON array of records.
// Errors lists non-fatal problems, such as failed LLM chunks, that still
// allowed partial content to be produced.
type Output struct {
	Content string
	Records int
	Errors  []error
}

// Record is a JSON object whose keys keep their insertion order
type Record struct {
	keys   []string
	values map[string]any
}

// NewRecord returns an empty record
func NewRecord() *Record {
	return &Record{values: make(map[string]any)}
}

// Set stores value under key. Replacing a key keeps its original position.
func (r *Record) Set(key string, value any) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored under key
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the keys in insertion order
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of keys
func (r *Record) Len() int {
	return len(r.keys)
}

// MarshalJSON writes the record with keys in insertion order
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeRecords serialises records as a compact JSON array. A nil slice encodes as [].
func encodeRecords(records []*Record) (string, error) {
	if records == nil {
		records = []*Record{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
