package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-integration-gateway/core"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const APIKeyHeader = "X-Api-Key"

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RequireAPIKey rejects requests whose X-Api-Key does not match key. An
// empty key rejects every request.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(key))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get(APIKeyHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing or invalid api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodyBytes limits the request body size.
func MaxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NoStore marks responses as uncacheable.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// RateLimiter keeps one token bucket per client IP. Idle buckets expire.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	buckets   *expirable.LRU[string, *rate.Limiter]
}

func NewRateLimiter(perSecond int, burst int, maxClients int, idle time.Duration) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perSecond
	}
	if maxClients <= 0 {
		maxClients = 10000
	}
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		buckets:   expirable.NewLRU[string, *rate.Limiter](maxClients, nil, idle),
	}
}

func (l *RateLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	if client == "" {
		client = "unknown"
	}
	limiter, ok := l.buckets.Get(client)
	if !ok {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets.Add(client, limiter)
	}
	return limiter.Allow()
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Metrics records request counts and durations by chi route pattern.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests handled by the gateway.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{m.requests, m.duration} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RequestLogger emits one structured line per request. Query strings are
// left out since OAuth callbacks carry codes there.
func RequestLogger(observer core.Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)

			fields := map[string]any{
				"method":      r.Method,
				"route":       routePattern(r),
				"http_status": sw.code,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if provider := chi.URLParam(r, "provider"); provider != "" {
				fields["provider"] = provider
			}
			switch {
			case sw.code >= http.StatusInternalServerError:
				observer.Error(r.Context(), "http request failed", fields)
			case sw.code >= http.StatusBadRequest:
				observer.Warn(r.Context(), "http request rejected", fields)
			default:
				observer.Info(r.Context(), "http request", fields)
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
