package auth

import (
	"errors"
	"strings"
)

// Config selects how bearer tokens are verified. Secret enables HS256; JWKSURL
// enables RS256/ES256 against a remote key set. Issuer and Audience are checked
// when set.
type Config struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
}

// Enabled reports whether any verification method is configured
func (c *Config) Enabled() bool {
	return c != nil && (c.Secret != "" || c.JWKSURL != "")
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if !c.Enabled() {
		return errors.New("either a JWT secret or a JWKS URL is required")
	}
	if c.JWKSURL != "" && !strings.HasPrefix(c.JWKSURL, "http://") && !strings.HasPrefix(c.JWKSURL, "https://") {
		return errors.New("JWKS URL must be http(s)")
	}
	return nil
}
