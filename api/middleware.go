/*
middleware.go - Caller identity, rate limiting, request logging, metrics

PURPOSE:
  Everything that wraps a handler. The engine authorises on a verified
  domain.Caller; this file is where an HTTP request becomes one.

AUTHENTICATION:
  Bearer JWT, HS256. Claims:
    sub        user id
    role       admin | receptionist
    branch_id  the receptionist's branch (empty for admins)
  With Auth.Disabled every request acts as an admin dev user.

RATE LIMITING:
  One token bucket per client IP (golang.org/x/time/rate). Exceeding it
  returns 429.

SEE ALSO:
  - server.go: Middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/metrics"
	"golang.org/x/time/rate"
)

// =============================================================================
// CALLER IDENTITY
// =============================================================================

type callerKey struct{}

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret   []byte
	Disabled bool
	DevUser  domain.UserID
}

func withCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller of a request.
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(domain.Caller)
	return c, ok
}

// IssueToken signs a token for c. Used by tests and the dev tooling.
func IssueToken(secret []byte, c domain.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       string(c.UserID),
		"role":      string(c.Role),
		"branch_id": string(c.BranchID),
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a token and extracts the caller.
func ParseToken(secret []byte, raw string) (domain.Caller, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return domain.Caller{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return domain.Caller{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	branch, _ := claims["branch_id"].(string)
	if sub == "" {
		return domain.Caller{}, errors.New("token has no subject")
	}
	switch domain.Role(role) {
	case domain.RoleAdmin, domain.RoleReceptionist:
	default:
		return domain.Caller{}, fmt.Errorf("unknown role %q", role)
	}
	return domain.Caller{UserID: domain.UserID(sub), Role: domain.Role(role), BranchID: domain.BranchID(branch)}, nil
}

// Authenticate attaches the verified caller to the request context.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Disabled {
				dev := domain.Caller{UserID: cfg.DevUser, Role: domain.RoleAdmin}
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), dev)))
				return
			}

			header := r.Header.Get("Authorization")
			raw, found := strings.CutPrefix(header, "Bearer ")
			if !found || raw == "" {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Missing bearer token", Kind: "unauthenticated"})
				return
			}
			caller, err := ParseToken(cfg.Secret, raw)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Invalid token", Kind: "unauthenticated", Details: err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func (s *limiterStore) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ip] = l
	}
	return l
}

// RateLimit limits requests per client IP. rps <= 0 disables it.
func RateLimit(rps float64, burst int, log zerolog.Logger) func(http.Handler) http.Handler {
	store := &limiterStore{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !store.get(ip).Allow() {
				log.Warn().Str("ip", ip).Msg("rate limit exceeded")
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "Rate limit exceeded. Try again later.", Kind: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// REQUEST LOGGING + METRICS
// =============================================================================

// RequestLogger emits one zerolog event per request and feeds the HTTP
// metrics, labelled by chi route pattern.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			took := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.ObserveHTTP(r.Method, route, status, took)

			event := log.Info()
			if status >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", took).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
