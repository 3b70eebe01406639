package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const correlationKey contextKey = "correlation-id"

// correlationID returns the request's correlation id, empty when the
// middleware has not run.
func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// correlationMiddleware propagates the caller's X-Correlation-Id or
// mints one, and echoes it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, id)))
	})
}

// corsMiddleware answers preflight and tags every response.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticator checks bearer keys against the configured bcrypt
// hashes. No configured hashes disables auth entirely.
type authenticator struct {
	hashes [][]byte
}

func newAuthenticator(hashes []string) *authenticator {
	a := &authenticator{}
	for _, h := range hashes {
		if h != "" {
			a.hashes = append(a.hashes, []byte(h))
		}
	}
	return a
}

func (a *authenticator) enabled() bool { return len(a.hashes) > 0 }

func (a *authenticator) allow(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	for _, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return true
		}
	}
	return false
}

// withAuth guards one handler with bearer auth when keys are
// configured.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.enabled() && !s.auth.allow(r) {
			s.writeJSON(w, http.StatusUnauthorized, errorEnvelope{
				Error:     "unauthorized",
				Message:   "missing or invalid bearer token",
				RequestID: correlationID(r.Context()),
			})
			return
		}
		next(w, r)
	}
}
