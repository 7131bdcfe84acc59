package crawler

import (
	"compress/flate"
	"context"
	"compress/gzip"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// traceRecord is what the tracing transport learns about one request
type traceRecord struct {
	metrics PerformanceMetrics
	cert    *SSLCertificate
}

// traceSlot receives the record of the last hop of one fetch
type traceSlot struct {
	mu  sync.Mutex
	rec *traceRecord
}

type traceSlotKey struct{}

// withTraceSlot returns a context whose requests report their trace into the slot
func withTraceSlot(ctx context.Context) (context.Context, *traceSlot) {
	slot := &traceSlot{}
	return context.WithValue(ctx, traceSlotKey{}, slot), slot
}

func (s *traceSlot) store(rec *traceRecord) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

func (s *traceSlot) load() *traceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// tracingRoundTripper captures HTTP trace metrics and the peer certificate for each
// request whose context carries a traceSlot
type tracingRoundTripper struct {
	transport http.RoundTripper
}

// RoundTrip implements the http.RoundTripper interface with httptrace instrumentation
func (t *tracingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	slot, ok := req.Context().Value(traceSlotKey{}).(*traceSlot)
	if !ok {
		return t.transport.RoundTrip(req)
	}
	rec := &traceRecord{}

	var dnsStartTime, connectStartTime, tlsStartTime time.Time
	requestStartTime := time.Now()

	trace := &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			dnsStartTime = time.Now()
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if !dnsStartTime.IsZero() {
				rec.metrics.DNSLookupTime = time.Since(dnsStartTime).Milliseconds()
			}
		},
		ConnectStart: func(network, addr string) {
			connectStartTime = time.Now()
		},
		ConnectDone: func(network, addr string, err error) {
			if err == nil && !connectStartTime.IsZero() {
				rec.metrics.TCPConnectionTime = time.Since(connectStartTime).Milliseconds()
			}
		},
		TLSHandshakeStart: func() {
			tlsStartTime = time.Now()
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			if err == nil && !tlsStartTime.IsZero() {
				rec.metrics.TLSHandshakeTime = time.Since(tlsStartTime).Milliseconds()
			}
		},
		GotFirstResponseByte: func() {
			rec.metrics.TTFB = time.Since(requestStartTime).Milliseconds()
		},
	}

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		rec.cert = certificateInfo(resp.TLS.PeerCertificates[0])
	}

	// Redirect hops overwrite earlier ones
	slot.store(rec)
	return resp, nil
}

func certificateInfo(c *x509.Certificate) *SSLCertificate {
	sum := sha256.Sum256(c.Raw)
	return &SSLCertificate{
		Subject:     c.Subject.String(),
		Issuer:      c.Issuer.String(),
		DNSNames:    append([]string(nil), c.DNSNames...),
		NotBefore:   c.NotBefore,
		NotAfter:    c.NotAfter,
		Fingerprint: hex.EncodeToString(sum[:]),
	}
}

// decodingRoundTripper transparently decodes gzip, deflate and brotli bodies
type decodingRoundTripper struct {
	transport http.RoundTripper
}

func (d *decodingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := d.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	default:
		return resp, nil
	}

	resp.Body = &decodedBody{Reader: reader, closer: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (b *decodedBody) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return b.closer.Close()
}
