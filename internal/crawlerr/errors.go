// Package crawlerr defines the error taxonomy shared by every pipeline stage.
package crawlerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind string

const (
	// KindFetch covers network, DNS and timeout failures. Terminal for the URL.
	KindFetch Kind = "FetchError"
	// KindRender means the page never reached its ready state. Terminal for the URL.
	KindRender Kind = "RenderError"
	// KindExtraction is a strategy-specific parse or schema failure.
	KindExtraction Kind = "ExtractionError"
	// KindCache means the cache store was unavailable. Never fatal.
	KindCache Kind = "CacheError"
	// KindProvider is a language-model call failure. Partial results survive it.
	KindProvider Kind = "ProviderError"
)

// Error is the concrete error type carried through the pipeline
type Error struct {
	Kind    Kind
	URL     string
	Op      string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.URL != "" {
		msg += fmt.Sprintf(" for %s", e.URL)
	}
	if e.Timeout {
		msg += " (timeout)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind, e.g. errors.Is(err, &Error{Kind: KindFetch})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.URL == "" || t.URL == e.URL)
}

// Terminal reports whether the error must fail the whole run for its URL
func (e *Error) Terminal() bool {
	return e.Kind == KindFetch || e.Kind == KindRender
}

func newError(kind Kind, url, op string, err error) *Error {
	return &Error{
		Kind:    kind,
		URL:     url,
		Op:      op,
		Timeout: isDeadline(err),
		Err:     err,
	}
}

// Fetch wraps a network level failure
func Fetch(url, op string, err error) *Error {
	return newError(KindFetch, url, op, err)
}

// Render wraps a readiness or script failure inside the browser
func Render(url, op string, err error) *Error {
	return newError(KindRender, url, op, err)
}

// Extraction wraps a strategy failure
func Extraction(url, op string, err error) *Error {
	return newError(KindExtraction, url, op, err)
}

// Cache wraps a store failure
func Cache(url, op string, err error) *Error {
	return newError(KindCache, url, op, err)
}

// Provider wraps an LLM provider failure
func Provider(url, op string, err error) *Error {
	return newError(KindProvider, url, op, err)
}

// Timeout builds a FetchError flagged as a timeout
func Timeout(url, op string, err error) *Error {
	e := newError(KindFetch, url, op, err)
	e.Timeout = true
	return e
}

// KindOf returns the kind of the first *Error in the chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err was caused by a deadline
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Timeout {
		return true
	}
	return isDeadline(err)
}

// IsTerminal reports whether err should fail the URL's run
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Terminal()
	}
	return err != nil
}

func isDeadline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
