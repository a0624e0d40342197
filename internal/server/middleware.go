package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/hearth-chat/hearth/internal/auth"
)

type contextKey string

const identityContextKey = contextKey("identity")

// respondError writes the JSON error envelope used across the REST surface.
func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// requireAuth resolves the Authorization bearer token through the gate and
// stores the identity on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			respondError(w, r, http.StatusUnauthorized, "authorization header is required")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			respondError(w, r, http.StatusUnauthorized, "authorization header format must be Bearer {token}")
			return
		}

		identity, err := s.gate.Verify(r.Context(), parts[1])
		if err != nil {
			respondError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin layers an admin-role check on top of requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).IsAdmin() {
			respondError(w, r, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// identityFrom returns the authenticated identity stored by requireAuth.
func identityFrom(ctx context.Context) auth.Identity {
	identity, _ := ctx.Value(identityContextKey).(auth.Identity)
	return identity
}
