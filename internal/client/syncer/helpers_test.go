package syncer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/models"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestEngine(t *testing.T, tr http.RoundTripper, opts ...EngineOption) *Engine {
	t.Helper()
	client, err := api.NewClient("http://waybill.test/api/v1/", api.WithHTTPClient(&http.Client{Transport: tr}))
	require.NoError(t, err)
	client.SetCredentials("disp", "pw")
	store, err := storage.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewEngine(client, store, nil, opts...)
}

type request struct {
	Method string
	Path   string
	Body   models.Record
}

// fakeAPI is a scripted REST backend under /api/v1/.
type fakeAPI struct {
	mu       sync.Mutex
	lists    map[string]string
	status   map[string]int
	postCode int
	postBody string
	requests []request
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		lists:    map[string]string{},
		status:   map[string]int{},
		postCode: http.StatusCreated,
		postBody: `{"id": 42}`,
	}
}

func (f *fakeAPI) setList(collection, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[collection] = body
}

func (f *fakeAPI) setStatus(collection string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[collection] = code
}

func (f *fakeAPI) setPost(code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCode, f.postBody = code, body
}

func (f *fakeAPI) calls() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func (f *fakeAPI) count(method string) int {
	n := 0
	for _, r := range f.calls() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body models.Record
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
	}
	collection := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/")

	f.mu.Lock()
	f.requests = append(f.requests, request{Method: r.Method, Path: r.URL.Path, Body: body})
	code, hasCode := f.status[collection]
	list, hasList := f.lists[collection]
	postCode, postBody := f.postCode, f.postBody
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		if hasCode {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"detail":"scripted failure"}`))
			return
		}
		if !hasList {
			list = "[]"
		}
		_, _ = w.Write([]byte(list))
	case http.MethodPost:
		w.WriteHeader(postCode)
		_, _ = w.Write([]byte(postBody))
	default:
		_, _ = w.Write([]byte(`{"id": 1}`))
	}
}

type harness struct {
	api     *fakeAPI
	srv     *httptest.Server
	store   *storage.Store
	session *api.Session
	svc     *Service
	updates chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI(), updates: make(chan struct{}, 16)}
	h.srv = httptest.NewServer(h.api)
	t.Cleanup(h.srv.Close)

	store, err := storage.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	h.store = store

	client, err := api.NewClient(h.srv.URL + "/api/v1/")
	require.NoError(t, err)
	client.SetCredentials("disp", "pw")
	h.session = api.NewSession(client, store, api.SessionOptions{}, nil)

	h.svc = NewService(Config{
		Session:     h.session,
		Store:       store,
		Concurrency: 2,
		OnDataUpdated: func() {
			select {
			case h.updates <- struct{}{}:
			default:
			}
		},
	})
	return h
}
