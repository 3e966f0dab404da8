package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/BlkSword/Strange-room/pkg/ratelimit"
)

const maxBody = 64 << 10

type Middleware struct {
	cors   *cors.Cors
	rlimit *ratelimit.Limiter
	log    *slog.Logger
}

// NewMiddleware builds the shared middleware stack. Every origin is allowed.
func NewMiddleware(logger *slog.Logger, limiter *ratelimit.Limiter) *Middleware {
	return &Middleware{
		cors: cors.New(cors.Options{
			AllowedOrigins:       []string{"*"},
			AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:       []string{"Content-Type"},
			OptionsSuccessStatus: http.StatusOK,
		}),
		rlimit: limiter,
		log:    logger,
	}
}

// Wrap applies the API middleware stack, outermost first.
// OPTIONS requests never reach the rate limiter.
func (m *Middleware) Wrap(h http.Handler) http.Handler {
	return securityHeaders(allowAllOrigins(m.cors.Handler(allowOptions(m.logRequests(m.recoverer(m.rlimit.Middleware(h)))))))
}

// allowAllOrigins sets the allow-all CORS headers on every response, even
// without an Origin header. rs/cors overrides them for CORS requests.
func allowAllOrigins(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// allowOptions answers any OPTIONS request that is not a CORS preflight
func allowOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				m.log.Error("http.panic", "path", r.URL.Path, "panic", v)
				writeJSONStatus(w, http.StatusInternalServerError, failure{Error: "Internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (m *Middleware) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		m.log.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"dur", time.Since(start),
			"ip", ratelimit.ClientIP(r),
		)
	})
}
