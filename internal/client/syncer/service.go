package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/models"
)

// Service is what the UI talks to. It owns the engine, the resolver and the
// background submitter, all bound to one session and one cache directory.
type Service struct {
	session     *api.Session
	store       *storage.Store
	pending     *storage.PendingQueue
	conflicts   *storage.ConflictRegistry
	engine      *Engine
	resolver    *Resolver
	submitter   *Submitter
	concurrency int
	log         *zap.Logger
}

// Config wires a Service.
type Config struct {
	Session *api.Session
	Store   *storage.Store
	// Concurrency bounds parallel fetches in Resync.
	Concurrency int
	// Rules overrides DefaultRules when set.
	Rules         map[string]ConflictRule
	OnDataUpdated func()
	EngineOptions []EngineOption
	Log           *zap.Logger
}

// NewService builds the sync stack described by cfg.
func NewService(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	client := cfg.Session.Client()
	pending := storage.NewPendingQueue(cfg.Store, log.Named("pending"))
	conflicts := storage.NewConflictRegistry(cfg.Store, log.Named("conflicts"))
	engine := NewEngine(client, cfg.Store, log.Named("engine"), cfg.EngineOptions...)
	resolver := NewResolver(ResolverConfig{
		Client:        client,
		Engine:        engine,
		Store:         cfg.Store,
		Pending:       pending,
		Conflicts:     conflicts,
		Author:        cfg.Session,
		Rules:         rules,
		OnDataUpdated: cfg.OnDataUpdated,
		Log:           log.Named("resolver"),
	})
	return &Service{
		session:     cfg.Session,
		store:       cfg.Store,
		pending:     pending,
		conflicts:   conflicts,
		engine:      engine,
		resolver:    resolver,
		submitter:   NewSubmitter(resolver, cfg.Session, 0, log.Named("submitter")),
		concurrency: cfg.Concurrency,
		log:         log,
	}
}

// Start launches the background submitter.
func (s *Service) Start(ctx context.Context) { s.submitter.Start(ctx) }

// Close stops background work.
func (s *Service) Close() { s.submitter.Close() }

// Session returns the session the service is bound to.
func (s *Service) Session() *api.Session { return s.session }

// Store returns the local cache.
func (s *Service) Store() *storage.Store { return s.store }

// Pending returns the pending queue.
func (s *Service) Pending() *storage.PendingQueue { return s.pending }

// Conflicts returns the conflict registry.
func (s *Service) Conflicts() *storage.ConflictRegistry { return s.conflicts }

// Submissions delivers the outcomes of background submissions.
func (s *Service) Submissions() <-chan Outcome { return s.submitter.Done() }

// LocalData returns the cached list for collection, dropping non-object
// entries.
func (s *Service) LocalData(collection string) ([]models.Record, error) {
	raw, err := s.store.LoadList(collection)
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, models.Record(m))
		}
	}
	return out, nil
}

// MergedView returns the server records of collection followed by pending
// and conflicted records not yet on the server. Every record carries exactly
// one of id and temp_id, and a _status tag.
func (s *Service) MergedView(collection string) ([]models.Record, error) {
	raw, err := s.store.LoadList(collection)
	if err != nil {
		return nil, err
	}
	pending, err := s.pending.List(collection)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.conflicts.List(collection)
	if err != nil {
		return nil, err
	}

	out := make([]models.Record, 0, len(raw)+len(pending)+len(conflicts))
	seenIDs := make(map[int64]bool, len(raw))
	seenTemp := make(map[string]bool, len(pending)+len(conflicts))

	for _, item := range raw {
		rec, kind := models.Classify(item)
		if kind != models.KindServer {
			continue
		}
		id, _ := rec.ID()
		if seenIDs[id] {
			continue
		}
		seenIDs[id] = true
		v := rec.Clone()
		delete(v, models.FieldTempID)
		v[models.FieldStatus] = models.StatusSynced
		out = append(out, v)
	}

	local := func(recs []models.Record, status string) {
		for _, rec := range recs {
			tid := rec.TempID()
			if seenTemp[tid] {
				continue
			}
			if id, ok := rec.ID(); ok && seenIDs[id] {
				continue
			}
			seenTemp[tid] = true
			v := rec.Clone()
			delete(v, models.FieldID)
			v[models.FieldStatus] = status
			out = append(out, v)
		}
	}
	local(pending, models.StatusUnsynced)
	local(conflicts, models.StatusConflict)
	return out, nil
}

// Outstanding returns how many records are pending and conflicted.
func (s *Service) Outstanding(collection string) (pending, conflicts int, err error) {
	if pending, err = s.pending.Count(collection); err != nil {
		return 0, 0, err
	}
	if conflicts, err = s.conflicts.Count(collection); err != nil {
		return 0, 0, err
	}
	return pending, conflicts, nil
}

// EnqueueAndSubmit stores rec in the pending queue and schedules a
// background submission. A temp_id is generated when rec has none.
func (s *Service) EnqueueAndSubmit(ctx context.Context, collection string, rec models.Record) (string, error) {
	tempID, err := s.enqueue(collection, rec)
	if err != nil {
		return "", err
	}
	s.schedule(collection, tempID)
	return tempID, nil
}

func (s *Service) enqueue(collection string, rec models.Record) (string, error) {
	rec = rec.Clone()
	delete(rec, models.FieldID)
	delete(rec, models.FieldStatus)
	delete(rec, models.FieldConflictReason)
	if rec.TempID() == "" {
		rec[models.FieldTempID] = models.NewTempID()
	}
	if err := s.pending.Enqueue(collection, rec); err != nil {
		return "", err
	}
	return rec.TempID(), nil
}

func (s *Service) schedule(collection, tempID string) {
	if !s.submitter.Enqueue(collection, tempID) {
		s.log.Debug("record kept for next sync", zap.String("collection", collection), zap.String("temp_id", tempID))
	}
}

// Resync fetches names. The first collection is fetched alone so that an
// authentication failure stops the run before the fan-out.
func (s *Service) Resync(ctx context.Context, names []string, progress Progress) (map[string]Result, error) {
	if !s.session.NetworkReady() {
		return nil, api.ErrNotReady
	}
	results := make(map[string]Result, len(names))
	if len(names) == 0 {
		return results, nil
	}
	first := s.engine.FetchCollection(ctx, names[0], progress)
	results[names[0]] = first
	if errors.Is(first.Err, api.ErrUnauthorized) {
		return results, first.Err
	}
	for name, res := range s.engine.FetchMany(ctx, names[1:], s.concurrency, progress) {
		results[name] = res
	}
	if Unauthorized(results) {
		return results, api.ErrUnauthorized
	}
	return results, nil
}

// ResyncOne fetches a single collection.
func (s *Service) ResyncOne(ctx context.Context, name string, progress Progress) (Result, error) {
	if !s.session.NetworkReady() {
		return Result{Collection: name}, api.ErrNotReady
	}
	res := s.engine.FetchCollection(ctx, name, progress)
	if errors.Is(res.Err, api.ErrUnauthorized) {
		return res, res.Err
	}
	return res, nil
}

// UploadAllPending pushes every pending record of collection.
func (s *Service) UploadAllPending(ctx context.Context, collection string, progress Progress) (UploadReport, error) {
	if !s.session.NetworkReady() {
		return UploadReport{}, api.ErrNotReady
	}
	return s.resolver.UploadAll(ctx, collection, progress)
}

// SubmitPending synchronously submits one pending record.
func (s *Service) SubmitPending(ctx context.Context, collection, tempID string) (Outcome, error) {
	if !s.session.NetworkReady() {
		return Outcome{}, api.ErrNotReady
	}
	return s.resolver.SubmitOne(ctx, collection, tempID)
}

// DiscardConflict drops a conflicted record for good.
func (s *Service) DiscardConflict(collection, tempID string) error {
	return s.conflicts.Clear(collection, tempID)
}

// RequeueConflict replaces a conflicted record with an edited version and
// puts it back in the pending queue under the same temp_id.
func (s *Service) RequeueConflict(ctx context.Context, collection string, edited models.Record) (string, error) {
	tempID := edited.TempID()
	if tempID == "" {
		return "", storage.ErrMissingTempID
	}
	if _, err := s.enqueue(collection, edited); err != nil {
		return "", fmt.Errorf("requeue %s: %w", tempID, err)
	}
	// A failed clear leaves the record in both sets; the merged view shows it once.
	if err := s.conflicts.Clear(collection, tempID); err != nil {
		return tempID, fmt.Errorf("requeue %s: %w", tempID, err)
	}
	s.schedule(collection, tempID)
	return tempID, nil
}
