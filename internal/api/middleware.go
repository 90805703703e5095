package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mirahq/mira/internal/observability"
)

// instrument stamps a request id, logs the request and records metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		requestID := uuid.NewString()
		ctx := observability.AddRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		elapsed := s.now().Sub(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, metricsPath(r.URL.Path),
				strconv.Itoa(recorder.status), elapsed.Seconds())
		}
		s.logger.WithContext(ctx).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration", elapsed,
			"remote_addr", r.RemoteAddr)
	})
}

// authed validates the bearer token, enforces path-scoped user access and
// installs the token subject as the ambient user.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeFailure(w, r, unauthorized("missing bearer token"))
			return
		}
		subject, err := s.validateToken(r.Context(), token)
		if err != nil {
			s.logger.WithContext(r.Context()).Warn("token rejected", "error", err)
			s.writeFailure(w, r, unauthorized("invalid token"))
			return
		}
		if scoped := r.PathValue("user_id"); scoped != "" && scoped != subject {
			s.writeFailure(w, r, forbidden("token subject does not match requested user"))
			return
		}

		ctx := observability.AddUserID(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header, or
// from the token query parameter for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// validateToken checks the HS256 signature against the Vault-held secret
// and returns the token subject.
func (s *Server) validateToken(ctx context.Context, token string) (string, error) {
	secret, err := s.secrets.Get(ctx, s.jwtPath, s.jwtField)
	if err != nil {
		return "", fmt.Errorf("resolve jwt secret: %w", err)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// metricsPath collapses path parameters so the metric label set stays
// bounded.
func metricsPath(path string) string {
	if strings.HasPrefix(path, "/v1/users/") {
		return "/v1/users/{user_id}/data"
	}
	return path
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
