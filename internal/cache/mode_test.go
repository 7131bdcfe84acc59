package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeContract(t *testing.T) {
	tests := []struct {
		mode  Mode
		read  bool
		write bool
	}{
		{ModeEnabled, true, true},
		{ModeBypass, false, false},
		{ModeDisabled, false, false},
		{ModeReadOnly, true, false},
		{ModeWriteOnly, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.read, tt.mode.ShouldRead())
			assert.Equal(t, tt.write, tt.mode.ShouldWrite())
			assert.True(t, tt.mode.Valid())
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Mode
		wantErr  bool
	}{
		{name: "upper", input: "ENABLED", expected: ModeEnabled},
		{name: "lower", input: "bypass", expected: ModeBypass},
		{name: "hyphenated", input: "read-only", expected: ModeReadOnly},
		{name: "spaced", input: " write only ", expected: ModeWriteOnly},
		{name: "disabled", input: "Disabled", expected: ModeDisabled},
		{name: "unknown", input: "sometimes", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}

func TestModeUnmarshalJSON(t *testing.T) {
	var cfg struct {
		Mode Mode `json:"mode"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"read_only"}`), &cfg))
	assert.Equal(t, ModeReadOnly, cfg.Mode)

	assert.Error(t, json.Unmarshal([]byte(`{"mode":"nope"}`), &cfg))
}
