// Package syncer reconciles the local cache with the REST API: it pulls
// collection snapshots, pushes pending records, sorts out conflicts, and
// assembles the merged view the UI shows.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
)

// DefaultConcurrency bounds FetchMany when the caller passes no limit.
const DefaultConcurrency = 5

// Progress receives human-readable status lines. It may be nil.
type Progress func(msg string)

func (p Progress) report(format string, args ...any) {
	if p != nil {
		p(fmt.Sprintf(format, args...))
	}
}

// Result is the outcome of one collection fetch.
type Result struct {
	Collection string
	OK         bool
	// Changed is set when the cached document was actually rewritten.
	Changed bool
	Status  int
	Err     error
}

// Engine fetches authoritative collection snapshots and replaces the cached
// documents wholesale.
type Engine struct {
	client  *api.Client
	store   *storage.Store
	limiter *rate.Limiter
	log     *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRateLimit paces outgoing fetches to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) EngineOption {
	return func(e *Engine) {
		if r > 0 {
			e.limiter = rate.NewLimiter(r, max(burst, 1))
		}
	}
}

// NewEngine returns an engine writing into store.
func NewEngine(client *api.Client, store *storage.Store, log *zap.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{client: client, store: store, log: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchCollection downloads collection name and, on HTTP 200, replaces its
// cached document. Any other outcome leaves the cache untouched.
func (e *Engine) FetchCollection(ctx context.Context, name string, progress Progress) Result {
	res := Result{Collection: name}
	progress.report("Загрузка: %s...", name)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			res.Err = fmt.Errorf("%s: %w: %w", name, api.ErrNetwork, err)
			return res
		}
	}

	path := api.CollectionPath(name)
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		e.log.Warn("fetch failed", zap.String("collection", name), zap.Error(err))
		res.Err = err
		return res
	}
	res.Status = resp.Status
	if resp.Status != 200 {
		res.Err = api.Check("GET", path, resp)
		if res.Err == nil {
			res.Err = fmt.Errorf("GET %s: unexpected status %d", path, resp.Status)
		}
		e.log.Warn("fetch rejected", zap.String("collection", name), zap.Int("status", resp.Status))
		return res
	}

	var doc any
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		res.Err = fmt.Errorf("GET %s: invalid response: %w", path, err)
		return res
	}
	changed, err := e.store.CompareAndReplace(name, doc)
	if err != nil {
		res.Err = fmt.Errorf("cache %s: %w", name, err)
		return res
	}
	res.OK, res.Changed = true, changed
	if changed {
		e.log.Info("cache updated", zap.String("collection", name))
	}
	return res
}

// FetchMany fetches every collection in names with at most limit requests
// in flight. Each collection succeeds or fails on its own.
func (e *Engine) FetchMany(ctx context.Context, names []string, limit int, progress Progress) map[string]Result {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(names))
		g       errgroup.Group
	)
	g.SetLimit(limit)
	for _, name := range names {
		g.Go(func() error {
			res := e.FetchCollection(ctx, name, nil)
			mu.Lock()
			results[name] = res
			done := len(results)
			mu.Unlock()
			if res.OK {
				progress.report("%s: готово (%d/%d)", name, done, len(names))
			} else {
				progress.report("%s: ошибка (%d/%d)", name, done, len(names))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Unauthorized reports whether any result failed with 401/403.
func Unauthorized(results map[string]Result) bool {
	for _, r := range results {
		if errors.Is(r.Err, api.ErrUnauthorized) {
			return true
		}
	}
	return false
}
