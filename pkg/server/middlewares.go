package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// requestID tags every request with an X-Request-Id, reusing the caller's
// when one is sent.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		l := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))
	})
}

func (s *Server) log(r *http.Request) zerolog.Logger {
	if l, ok := r.Context().Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return s.logger
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.UseAuth {
			next.ServeHTTP(w, r)
			return
		}

		if s.cfg.NeedsAuth() {
			s.sendJSONError(w, "Authentication setup required", http.StatusUnauthorized)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok || !s.cfg.VerifyAuth(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="streamfetch"`)
			s.sendJSONError(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
