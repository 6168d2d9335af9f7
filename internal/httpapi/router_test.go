package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/health"
	"github.com/g6/collector/internal/sse"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testSettings() *config.Settings {
	return &config.Settings{SSEIPConnRate: 100}
}

func TestHealthEndpointServesMonitorSnapshot(t *testing.T) {
	settings := testSettings()
	monitor := health.NewMonitor(time.Minute, nil, nil, zerolog.Nop())
	publisher := sse.NewPublisher(time.Second, 10, nil, nil, zerolog.Nop(), nil)
	router := NewRouter(settings, publisher, monitor, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/summary/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status")
}

func TestAPITokenAuthRejectsMissingToken(t *testing.T) {
	settings := testSettings()
	settings.APIToken = "secret"
	monitor := health.NewMonitor(time.Minute, nil, nil, zerolog.Nop())
	publisher := sse.NewPublisher(time.Second, 10, nil, nil, zerolog.Nop(), nil)
	router := NewRouter(settings, publisher, monitor, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/summary/resync", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPITokenAuthAcceptsMatchingToken(t *testing.T) {
	settings := testSettings()
	settings.APIToken = "secret"
	monitor := health.NewMonitor(time.Minute, nil, nil, zerolog.Nop())
	publisher := sse.NewPublisher(time.Second, 10, nil, nil, zerolog.Nop(), func() map[string]interface{} {
		return map[string]interface{}{}
	})
	router := NewRouter(settings, publisher, monitor, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/summary/resync", nil)
	req.Header.Set("X-API-Token", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPAllowlistRejectsUnknownIP(t *testing.T) {
	settings := testSettings()
	settings.IPAllowlist = []string{"10.0.0.1"}
	monitor := health.NewMonitor(time.Minute, nil, nil, zerolog.Nop())
	publisher := sse.NewPublisher(time.Second, 10, nil, nil, zerolog.Nop(), nil)
	router := NewRouter(settings, publisher, monitor, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/summary/resync", nil)
	req.RemoteAddr = "192.168.1.5:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
