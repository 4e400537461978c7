package middleware

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cost-watchdog/backend/internal/kv"
	"github.com/cost-watchdog/backend/internal/metrics"
)

// Preset is one named rate-limit bucket. All windows are 60 seconds.
type Preset struct {
	Name  string
	Limit int64
}

var (
	PresetDefault = Preset{Name: "default", Limit: 100}
	PresetAuth    = Preset{Name: "auth", Limit: 10}
	PresetUpload  = Preset{Name: "upload", Limit: 20}
	PresetExport  = Preset{Name: "export", Limit: 10}
	PresetAPIKey  = Preset{Name: "api_key", Limit: 1000}
)

const rateLimitWindow = 60 * time.Second

// RateLimiter counts requests per identity in sliding 60 second windows.
// When the KV store is down the limiter fails closed in production (503)
// and open otherwise, so a Redis outage cannot be used to bypass limits.
type RateLimiter struct {
	kv         kv.Store
	metrics    *metrics.Metrics
	failClosed bool
	logger     *log.Logger
	now        func() time.Time
}

func NewRateLimiter(store kv.Store, m *metrics.Metrics, failClosed bool) *RateLimiter {
	return &RateLimiter{
		kv:         store,
		metrics:    m,
		failClosed: failClosed,
		logger:     log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Limit wraps a handler with the given preset. The identity function maps a
// request to its counting key; see IdentityFromRequest.
func (rl *RateLimiter) Limit(preset Preset, identity func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("rl:%s:%s", preset.Name, identity(r))

			count, err := rl.kv.SlidingWindowCount(r.Context(), key, rl.now(), rateLimitWindow)
			if err != nil {
				rl.logger.Printf("window count for %s: %v", key, err)
				if rl.failClosed {
					w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(preset.Limit, 10))
					w.Header().Set("X-RateLimit-Remaining", "0")
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.now().Add(rateLimitWindow).Unix(), 10))
					w.Header().Set("Retry-After", "60")
					http.Error(w, "rate limiter unavailable", http.StatusServiceUnavailable)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			remaining := preset.Limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(preset.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.now().Add(rateLimitWindow).Unix(), 10))

			if count > preset.Limit {
				rl.metrics.RateLimited.WithLabelValues(preset.Name).Inc()
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromRequest picks the strongest available identity: API key
// prefix, then authenticated user, then client IP. The key prefix (not the
// full key) keeps secrets out of Redis.
func IdentityFromRequest(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		prefix := apiKey
		if len(prefix) > 16 {
			prefix = prefix[:16]
		}
		return "api:" + prefix
	}
	if userID := UserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ClientIP(r.Context())
}
