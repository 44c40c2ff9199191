// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/models"
)

type ctxKey string

const userKey ctxKey = "user"

// Authenticator verifies a username and password.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
}

// BasicAuth is a middleware that enforces HTTP basic authentication.
//
// Requests to paths listed in public pass through untouched. For all other
// requests the credentials are checked with auth and, on success, the
// authenticated user is stored in the request context. Wrong credentials
// get 401 with a WWW-Authenticate challenge; a failing backend gets 500.
func BasicAuth(auth Authenticator, log *zap.Logger, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			username, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			user, err := auth.Authenticate(r.Context(), username, password)
			if errors.Is(err, models.ErrInvalidCredentials) {
				unauthorized(w)
				return
			}
			if err != nil {
				log.Error("authentication failed", zap.String("user", username), zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="waybill"`)
	http.Error(w, `{"detail":"authentication required"}`, http.StatusUnauthorized)
}

// UserFromContext returns the authenticated user stored by BasicAuth.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

// GetUserIDFromContext returns the authenticated user's id, or 0.
func GetUserIDFromContext(ctx context.Context) int64 {
	if u, ok := UserFromContext(ctx); ok {
		return u.ID
	}
	return 0
}
