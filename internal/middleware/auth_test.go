package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/models"
)

// dummyHandler is a placeholder that records if it was called and the context it received.
type dummyHandler struct {
	called bool
	ctx    context.Context
}

func (d *dummyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.ctx = r.Context()
	w.WriteHeader(http.StatusOK)
}

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, username, password string) (*models.User, error) {
	switch {
	case username == "broken":
		return nil, errors.New("db down")
	case username == "alice" && password == "pw":
		return &models.User{ID: 3, Username: "alice"}, nil
	}
	return nil, models.ErrInvalidCredentials
}

func serve(t *testing.T, path string, setup func(*http.Request)) (*dummyHandler, *httptest.ResponseRecorder) {
	t.Helper()
	dummy := &dummyHandler{}
	h := BasicAuth(fakeAuth{}, zap.NewNop(), "/api/register")(dummy)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	if setup != nil {
		setup(req)
	}
	h.ServeHTTP(rec, req)
	return dummy, rec
}

func TestBasicAuth_PublicPathBypass(t *testing.T) {
	dummy, rec := serve(t, "/api/register", nil)
	if !dummy.called {
		t.Error("expected next handler to be called for /api/register")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 OK, got %d", rec.Code)
	}
}

func TestBasicAuth_NoCredentials(t *testing.T) {
	dummy, rec := serve(t, "/api/v1/drivers/", nil)
	if dummy.called {
		t.Error("did not expect next handler to be called without credentials")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 Unauthorized, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected a WWW-Authenticate challenge")
	}
}

func TestBasicAuth_WrongPassword(t *testing.T) {
	dummy, rec := serve(t, "/api/v1/drivers/", func(r *http.Request) { r.SetBasicAuth("alice", "nope") })
	if dummy.called || rec.Code != http.StatusUnauthorized {
		t.Errorf("called=%v code=%d; want rejection with 401", dummy.called, rec.Code)
	}
}

func TestBasicAuth_BackendError(t *testing.T) {
	dummy, rec := serve(t, "/api/v1/drivers/", func(r *http.Request) { r.SetBasicAuth("broken", "pw") })
	if dummy.called || rec.Code != http.StatusInternalServerError {
		t.Errorf("called=%v code=%d; want 500", dummy.called, rec.Code)
	}
}

func TestBasicAuth_ValidCredentials(t *testing.T) {
	dummy, rec := serve(t, "/api/v1/drivers/", func(r *http.Request) { r.SetBasicAuth("alice", "pw") })
	if !dummy.called {
		t.Fatal("expected next handler to be called with valid credentials")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 OK, got %d", rec.Code)
	}
	u, ok := UserFromContext(dummy.ctx)
	if !ok || u.Username != "alice" {
		t.Errorf("expected context user 'alice', got %+v", u)
	}
	if id := GetUserIDFromContext(dummy.ctx); id != 3 {
		t.Errorf("expected user id 3, got %d", id)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	if id := GetUserIDFromContext(context.Background()); id != 0 {
		t.Errorf("expected 0 for missing user, got %d", id)
	}
	if _, ok := UserFromContext(context.Background()); ok {
		t.Error("expected no user in empty context")
	}
}
