package server

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the caller's id from a trusted front proxy.
const UserHeader = "X-User-ID"

// sessionUserKey is the session value holding the user id.
const sessionUserKey = "user_id"

type userKey struct{}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id, or "".
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// identity resolves the caller from the trusted header or the session
// cookie and rejects anonymous requests.
func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if s.cfg.TrustUserHeader {
			userID = strings.TrimSpace(r.Header.Get(UserHeader))
		}
		if userID == "" {
			if session, err := s.sessionStore.Get(r, s.cfg.SessionName); err == nil {
				userID, _ = session.Values[sessionUserKey].(string)
			}
		}
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing_identity", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// IssueSession stores userID in the caller's session cookie.
func (s *Server) IssueSession(w http.ResponseWriter, r *http.Request, userID string) error {
	session, err := s.sessionStore.Get(r, s.cfg.SessionName)
	if err != nil && session == nil {
		return err
	}
	session.Values[sessionUserKey] = userID
	return session.Save(r, w)
}
