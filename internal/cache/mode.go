package cache

import (
	"fmt"
	"strings"
)

// Mode controls how a run interacts with the cache
type Mode string

const (
	// ModeEnabled reads and writes
	ModeEnabled Mode = "ENABLED"
	// ModeBypass neither reads nor writes, but the run is still fingerprinted
	ModeBypass Mode = "BYPASS"
	// ModeDisabled has no cache interaction at all
	ModeDisabled Mode = "DISABLED"
	// ModeReadOnly reads but never writes
	ModeReadOnly Mode = "READ_ONLY"
	// ModeWriteOnly writes but never reads
	ModeWriteOnly Mode = "WRITE_ONLY"
)

// ShouldRead reports whether lookups are allowed
func (m Mode) ShouldRead() bool {
	return m == ModeEnabled || m == ModeReadOnly
}

// ShouldWrite reports whether results may be stored
func (m Mode) ShouldWrite() bool {
	return m == ModeEnabled || m == ModeWriteOnly
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeEnabled, ModeBypass, ModeDisabled, ModeReadOnly, ModeWriteOnly:
		return true
	}
	return false
}

func (m Mode) String() string {
	return string(m)
}

// ParseMode accepts any case and "-" or " " in place of "_"
func ParseMode(s string) (Mode, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	m := Mode(norm)
	if !m.Valid() {
		return "", fmt.Errorf("unknown cache mode %q", s)
	}
	return m, nil
}

// UnmarshalText lets modes be read from JSON, YAML and flags
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
