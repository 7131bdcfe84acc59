package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

// NormaliseURL trims the URL, lowercases the host, strips default ports and the fragment.
// Returns an error when the URL is not absolute http(s).
func NormaliseURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %s", parsed.Scheme, rawURL)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid URL format: %s", rawURL)
	}

	parsed.Host = normaliseHostPort(strings.ToLower(parsed.Host), parsed.Scheme)
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	return parsed.String(), nil
}

// BaseDomain returns the registrable domain (eTLD+1) of host, without port or www.
// Hosts publicsuffix cannot reduce (IPs, localhost) are returned as-is.
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "www.")
	if host == "" || net.ParseIP(host) != nil {
		return host
	}

	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return base
}

// IsInternal reports whether link belongs to the same registrable domain as page
func IsInternal(page, link *url.URL) bool {
	if page == nil || link == nil {
		return false
	}
	return BaseDomain(page.Host) == BaseDomain(link.Host)
}

// MatchesDomain reports whether host equals, or is a subdomain of, any of the domains
func MatchesDomain(host string, domains []string) bool {
	host = strings.ToLower(strings.TrimPrefix(stripPort(host), "www."))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "www."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ResolveURL resolves href against base. It returns false for empty, fragment-only,
// javascript: and mailto: references.
func ResolveURL(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "data:") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		log.Debug().Str("href", href).Err(err).Msg("Unparseable link reference")
		return "", false
	}
	if base == nil {
		return ref.String(), ref.IsAbs()
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// normaliseHostPort removes default ports (80 for HTTP, 443 for HTTPS) from host.
func normaliseHostPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" && strings.HasSuffix(host, ":443") {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// IsSignificantRedirect checks if a redirect URL is meaningfully different from the original.
// Only the host and path are compared; scheme, www, trailing slash and default port
// differences are ignored.
func IsSignificantRedirect(originalURL, redirectURL string) bool {
	if redirectURL == "" {
		return false
	}

	origParsed, origErr := url.Parse(originalURL)
	redirParsed, redirErr := url.Parse(redirectURL)
	if origErr != nil || redirErr != nil {
		return true
	}

	origHost := strings.ToLower(strings.TrimPrefix(normaliseHostPort(origParsed.Host, origParsed.Scheme), "www."))
	redirHost := strings.ToLower(strings.TrimPrefix(normaliseHostPort(redirParsed.Host, redirParsed.Scheme), "www."))
	if origHost != redirHost {
		return true
	}

	return trimPath(origParsed.Path) != trimPath(redirParsed.Path)
}

func trimPath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}
