package errs

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteLogsRegisteredCodeAtItsSeverity(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	r := NewRouter("")
	r.Register(Entry{Code: "E_PROVIDER_TIMEOUT", Severity: SeverityWarn, Description: "provider call timed out"})

	res := r.Route("E_PROVIDER_TIMEOUT", log, 1, map[string]interface{}{"index": "NIFTY"})

	require.True(t, res.Logged)
	assert.Equal(t, SeverityWarn, res.Severity)
	assert.Contains(t, buf.String(), "E_PROVIDER_TIMEOUT")
	assert.Contains(t, buf.String(), "NIFTY")
}

func TestRouteWarnsOnceForUnknownCode(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	r := NewRouter("")

	r.Route("E_MYSTERY", log, 1, nil)
	firstLen := buf.Len()
	r.Route("E_MYSTERY", log, 1, nil)

	assert.Greater(t, buf.Len(), firstLen, "second call should still log the routed error itself")
	assert.Equal(t, 1, countOccurrences(buf.String(), "routing unregistered error code"))
}

func TestRouteThrottlesRepeatedOccurrences(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	r := NewRouter("")
	r.Register(Entry{Code: "E_NOISY", Severity: SeverityInfo, Description: "noisy", EveryN: 3})

	var logged int
	for i := 0; i < 6; i++ {
		if r.Route("E_NOISY", log, 1, nil).Logged {
			logged++
		}
	}
	assert.Equal(t, 2, logged)
	assert.Equal(t, 4, countOccurrences(buf.String(), "throttled repeat"))
}

func TestEscalateEnvRaisesSeverityFloor(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	r := NewRouter(SeverityError)
	r.Register(Entry{Code: "E_QUIET", Severity: SeverityInfo, Description: "quiet"})

	res := r.Route("E_QUIET", log, 1, nil)
	assert.Equal(t, SeverityError, res.Severity)
}

func TestSafeLabelHandlesNonPrimitives(t *testing.T) {
	out := safeLabel(map[string]int{"a": 1})
	assert.Equal(t, `{"a":1}`, out)
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
