package config

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearG6Env(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				if len(e) > 3 && e[:3] == "G6_" {
					os.Unsetenv(e[:i])
				}
				break
			}
		}
	}
}

func TestHydrateAppliesDefaultsWhenEnvUnset(t *testing.T) {
	clearG6Env(t)
	t.Setenv("G6_DATA_DIR", t.TempDir())

	s, err := Hydrate(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "dummy", s.ProviderMode)
	assert.Equal(t, "primary", s.PipelineMode)
	assert.Equal(t, "auto", s.StreamGateMode)
	assert.Len(t, s.Indices, 2)
}

func TestHydrateRejectsInvalidProviderMode(t *testing.T) {
	clearG6Env(t)
	t.Setenv("G6_DATA_DIR", t.TempDir())
	t.Setenv("G6_PROVIDER_MODE", "bogus")

	_, err := Hydrate(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_mode")
}

func TestHydrateRejectsNonPositiveInterval(t *testing.T) {
	clearG6Env(t)
	t.Setenv("G6_DATA_DIR", t.TempDir())
	t.Setenv("G6_INTERVAL_SECONDS", "0")

	_, err := Hydrate(zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval_seconds")
}

func TestHydrateAcceptsRealProviderModeWithCredentials(t *testing.T) {
	clearG6Env(t)
	t.Setenv("G6_DATA_DIR", t.TempDir())
	t.Setenv("G6_PROVIDER_MODE", "real")
	t.Setenv("G6_PROVIDER_BASE_URL", "https://example.invalid")
	t.Setenv("G6_PROVIDER_TOKEN", "secret")

	s, err := Hydrate(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "real", s.ProviderMode)
	assert.Equal(t, "https://example.invalid", s.ProviderBaseURL)
}
