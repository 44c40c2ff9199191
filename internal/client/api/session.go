package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/models"
)

const authKey = "auth"

// ErrEmptyCredentials is returned by Login for a blank username or password.
var ErrEmptyCredentials = errors.New("username and password must not be empty")

// CredentialStore persists remembered credentials.
type CredentialStore interface {
	Save(key string, doc any) error
	LoadInto(key string, v any) (bool, error)
	Delete(key string) error
}

// SessionOptions tune login behaviour.
type SessionOptions struct {
	// CheckPath is fetched to validate credentials, e.g. "podryads/".
	CheckPath string
	// OfflineUser and OfflinePassword, when both set, grant local-only
	// access without touching the network.
	OfflineUser     string
	OfflinePassword string
}

// Session is the process-wide login state: who is logged in, their numeric
// id when known, and whether network calls are authorized.
type Session struct {
	client *Client
	creds  CredentialStore
	opts   SessionOptions
	log    *zap.Logger

	mu       sync.RWMutex
	username string
	userID   int64
	hasID    bool
}

// NewSession returns a logged-out session bound to client.
func NewSession(client *Client, creds CredentialStore, opts SessionOptions, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{client: client, creds: creds, opts: opts, log: log}
}

// Client returns the HTTP client the session authorizes.
func (s *Session) Client() *Client { return s.client }

// NetworkReady reports whether credentials are attached to outbound calls.
func (s *Session) NetworkReady() bool { return s.client.HasCredentials() }

// Username returns the logged-in user or "".
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// UserID returns the resolved numeric user id.
func (s *Session) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.hasID
}

// Login validates the credentials and starts a session. A 401/403 from the
// check rejects them. When the server cannot be reached the credentials are
// kept so that later syncs can use them.
func (s *Session) Login(ctx context.Context, username, password string, remember bool) error {
	if username == "" || password == "" {
		return ErrEmptyCredentials
	}

	if s.opts.OfflineUser != "" && username == s.opts.OfflineUser && password == s.opts.OfflinePassword {
		s.client.ClearCredentials()
		s.setUser(username, 0, false)
		s.log.Info("local access granted", zap.String("user", username))
		return s.remember(remember, username, password)
	}

	s.client.SetCredentials(username, password)
	if err := s.verify(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.client.ClearCredentials()
			return err
		}
		if !errors.Is(err, ErrNetwork) {
			s.client.ClearCredentials()
			return err
		}
		s.log.Warn("server unreachable, credentials accepted without validation",
			zap.String("user", username), zap.Error(err))
		s.setUser(username, 0, false)
		return s.remember(remember, username, password)
	}

	id, ok := s.resolveUserID(ctx, username)
	s.setUser(username, id, ok)
	s.log.Info("logged in", zap.String("user", username), zap.Bool("user_id_known", ok))
	return s.remember(remember, username, password)
}

// TryAutoLogin logs in with remembered credentials, if any.
func (s *Session) TryAutoLogin(ctx context.Context) (bool, error) {
	var c models.Credentials
	ok, err := s.creds.LoadInto(authKey, &c)
	if err != nil {
		return false, err
	}
	if !ok || c.Username == "" {
		return false, nil
	}
	if err := s.Login(ctx, c.Username, c.Password, true); err != nil {
		return false, err
	}
	return true, nil
}

// Logout drops credentials and forgets the remembered ones.
func (s *Session) Logout() error {
	s.client.ClearCredentials()
	s.setUser("", 0, false)
	if err := s.creds.Delete(authKey); err != nil {
		return fmt.Errorf("forget credentials: %w", err)
	}
	return nil
}

func (s *Session) setUser(username string, id int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username, s.userID, s.hasID = username, id, ok
}

func (s *Session) remember(remember bool, username, password string) error {
	if !remember {
		return nil
	}
	if err := s.creds.Save(authKey, models.Credentials{Username: username, Password: password}); err != nil {
		return fmt.Errorf("remember credentials: %w", err)
	}
	return nil
}

func (s *Session) verify(ctx context.Context) error {
	path := s.opts.CheckPath
	if path == "" {
		path = "users/me/"
	}
	resp, err := s.client.Get(ctx, path)
	if err != nil {
		return err
	}
	return Check("GET", path, resp)
}

// resolveUserID tries users/me/ and then a username lookup. Failure leaves
// the id unknown.
func (s *Session) resolveUserID(ctx context.Context, username string) (int64, bool) {
	if resp, err := s.client.Get(ctx, "users/me/"); err == nil && resp.OK() {
		var me models.Record
		if resp.Decode(&me) == nil {
			if id, ok := me.ID(); ok {
				return id, true
			}
		}
	}

	path := "users/?username=" + url.QueryEscape(username)
	resp, err := s.client.Get(ctx, path)
	if err != nil || !resp.OK() {
		s.log.Debug("user id lookup failed", zap.String("user", username), zap.Error(err))
		return 0, false
	}
	var list []models.Record
	if resp.Decode(&list) != nil {
		return 0, false
	}
	for _, u := range list {
		if u.String("username") == username {
			if id, ok := u.ID(); ok {
				return id, true
			}
		}
	}
	return 0, false
}
