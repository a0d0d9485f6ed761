package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_IsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, ValidatePolicy(p))
	assert.True(t, p.StrictMode)
	assert.Equal(t, 10, p.RateLimits.PerSecond)
	assert.Equal(t, 100, p.RateLimits.PerMinute)
	assert.Equal(t, 3840, p.CoordBounds.MaxW)
	assert.Equal(t, 2160, p.CoordBounds.MaxH)
}

func TestParseConfig_InvalidPattern(t *testing.T) {
	yamlData := []byte("blocked_patterns:\n  - \"(unterminated\"\n")
	_, err := ParseConfig(yamlData)
	assert.Error(t, err)
}

func TestParseConfig_OverridesDefaults(t *testing.T) {
	yamlData := []byte("strict_mode: false\nrate_limits:\n  per_second: 2\n  per_minute: 20\n")
	p, err := ParseConfig(yamlData)
	require.NoError(t, err)
	assert.False(t, p.StrictMode)
	assert.Equal(t, 2, p.RateLimits.PerSecond)
	assert.Equal(t, 20, p.RateLimits.PerMinute)
}

func TestValidatePolicy_RejectsNegativeLimits(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = -1
	assert.Error(t, ValidatePolicy(p))
}
