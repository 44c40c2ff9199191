// Package http provides HTTP routing and handlers for the waybill REST API.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/middleware"
)

// RegisterPath is the only endpoint reachable without credentials.
const RegisterPath = "/api/register"

// NewRouter constructs and returns an HTTP handler that serves
// the waybill API.
//
// Routes:
//
//	POST   /api/register                  → users.Register (public)
//	GET    /api/v1/users/me/              → users.Me
//	GET    /api/v1/users/?username=       → users.List
//	GET    /api/v1/{collection}/          → records.List
//	POST   /api/v1/{collection}/          → records.Create
//	POST   /api/v1/{collection}           → 308 to the trailing-slash form
//	PUT    /api/v1/{collection}/{id}/     → records.Update
//	PATCH  /api/v1/{collection}/{id}/     → records.Patch
//	DELETE /api/v1/{collection}/{id}/     → records.Delete
//
// Middleware chain (applied in order):
//  1. RequestID, Recoverer
//  2. AllowContentType("application/json"), rejects non-JSON bodies
//  3. WithRequestLogging(logger), logs every request
//  4. BasicAuth on everything but RegisterPath
func NewRouter(
	records *RecordHandler,
	users *UserHandler,
	auth middleware.Authenticator,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	// Only allow requests with Content-Type: application/json
	r.Use(chiMiddleware.AllowContentType("application/json"))
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(middleware.BasicAuth(auth, logger, RegisterPath))

	r.Post(RegisterPath, users.Register)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/users/me/", users.Me)
		r.Get("/users/", users.List)

		r.Get("/{collection}/", records.List)
		r.Post("/{collection}/", records.Create)
		r.Post("/{collection}", RedirectSlash)
		r.Put("/{collection}/{id}/", records.Update)
		r.Patch("/{collection}/{id}/", records.Patch)
		r.Delete("/{collection}/{id}/", records.Delete)
	})

	return r
}

// RedirectSlash answers with a permanent redirect that preserves the method
// and body, pointing at the same path with a trailing slash.
func RedirectSlash(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}
