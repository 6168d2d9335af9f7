package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/g6/collector/internal/metrics"
)

// rejected increments g6_sse_http_connections_total with a
// result=rejected_* label, mirroring the "accepted" count the SSE
// publisher records once a request clears every middleware.
func rejected(reg *metrics.Registry, bundle *metrics.Bundle, reason string) {
	if reg == nil || bundle == nil {
		return
	}
	reg.Inc(bundle.SSEConnectionsTotal, map[string]string{"result": "rejected_" + reason}, 1)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiTokenAuth rejects requests missing a matching X-API-Token header
// when an API token is configured. An empty configured token disables
// the check entirely.
func apiTokenAuth(token string, reg *metrics.Registry, bundle *metrics.Bundle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("X-API-Token") != token {
				rejected(reg, bundle, "auth")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipAllowlist rejects requests from IPs outside the configured list. An
// empty list disables the check.
func ipAllowlist(allowed []string, reg *metrics.Registry, bundle *metrics.Bundle) func(http.Handler) http.Handler {
	set := make(map[string]bool, len(allowed))
	for _, ip := range allowed {
		set[ip] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(set) > 0 {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				if !set[host] {
					rejected(reg, bundle, "ip")
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// uaAllowlist rejects requests whose User-Agent doesn't start with one
// of the configured prefixes. An empty list disables the check.
func uaAllowlist(prefixes []string, reg *metrics.Registry, bundle *metrics.Bundle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(prefixes) > 0 {
				ua := r.Header.Get("User-Agent")
				ok := false
				for _, p := range prefixes {
					if strings.HasPrefix(ua, p) {
						ok = true
						break
					}
				}
				if !ok {
					rejected(reg, bundle, "ua")
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// connRateLimit enforces a per-IP sliding-window connection rate,
// counted in new-connection-attempts-per-minute. A non-positive limit
// disables the check.
func connRateLimit(perMinute int, reg *metrics.Registry, bundle *metrics.Bundle) func(http.Handler) http.Handler {
	var mu sync.Mutex
	windows := make(map[string][]time.Time)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			now := time.Now()
			mu.Lock()
			cutoff := now.Add(-time.Minute)
			times := windows[host]
			kept := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) >= perMinute {
				windows[host] = kept
				mu.Unlock()
				rejected(reg, bundle, "rate")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			windows[host] = append(kept, now)
			mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}
