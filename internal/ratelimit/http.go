package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/SirClappington/docpipe/internal/domain"
)

// Subject extracts the authenticated user and tier of a request. An empty user
// ID marks the request as anonymous.
type Subject func(r *http.Request) (userID string, tier domain.Tier)

// Middleware gates every request through l for the given endpoint class.
// Run it after chi's RealIP so RemoteAddr carries the client address.
func Middleware(l *Limiter, endpoint string, subject Subject) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, tier := subject(r)
			d, err := l.Check(r.Context(), Request{
				UserID:   userID,
				IP:       ClientIP(r),
				Endpoint: endpoint,
				Tier:     tier,
			})
			if err != nil {
				if errors.Is(err, domain.ErrStoreUnavailable) {
					writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "admission_unavailable"})
					return
				}
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
				return
			}
			SetHeaders(w.Header(), d)
			if !d.Allowed {
				secs := RetryAfterSeconds(d.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":            "rate_limited",
					"retry_after":      secs,
					"most_restrictive": d.MostRestrictive,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the standard rate limit headers for d.
func SetHeaders(h http.Header, d Decision) {
	if d.Degraded || d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Policy", string(d.MostRestrictive))
}

// RetryAfterSeconds renders d as a Retry-After value: whole seconds, rounded
// up, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ClientIP returns the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
