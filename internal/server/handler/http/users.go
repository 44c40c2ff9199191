package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agroup14/waybill/internal/middleware"
	"github.com/agroup14/waybill/internal/models"
)

// UserService defines the user operations required by the UserHandler.
type UserService interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Lookup(ctx context.Context, username string) (*models.User, error)
}

// UserHandler serves registration and user lookups.
type UserHandler struct {
	Users UserService
}

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Register handles POST /api/register with a {"username","password"} body.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request")
		return
	}
	u, err := h.Users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userView{ID: u.ID, Username: u.Username})
}

// Me handles GET /users/me/.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, userView{ID: u.ID, Username: u.Username})
}

// List handles GET /users/?username=. Without a filter it lists the caller.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		u, ok := middleware.UserFromContext(r.Context())
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "authentication required")
			return
		}
		username = u.Username
	}
	u, err := h.Users.Lookup(r.Context(), username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusOK, []userView{})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []userView{{ID: u.ID, Username: u.Username}})
}
