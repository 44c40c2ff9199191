package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/models"
)

// ErrNotPending is returned by SubmitOne when the temp_id is not queued.
var ErrNotPending = errors.New("record is not pending")

// State is where a pending record ended up after one attempt.
type State int

const (
	// StateFailed: transport or server failure, the record stays queued.
	StateFailed State = iota
	// StateRejected: the server refused the data, the record stays queued
	// until someone edits it.
	StateRejected
	// StateConflicted: moved to the conflict registry, nothing was sent.
	StateConflicted
	// StateConfirmed: the server created the record.
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateRejected:
		return "rejected"
	case StateConflicted:
		return "conflicted"
	case StateConfirmed:
		return "confirmed"
	default:
		return "failed"
	}
}

// Queued reports whether the record remains in the pending queue.
func (s State) Queued() bool { return s == StateFailed || s == StateRejected }

// Outcome describes one submission attempt.
type Outcome struct {
	Collection string
	TempID     string
	State      State
	// ID is the server id of a confirmed record, when the response had one.
	ID int64
	// Detail is the conflict reason or the server's rejection body.
	Detail string
	Err    error
}

// UploadReport aggregates an UploadAll pass.
type UploadReport struct {
	Confirmed  int
	Conflicted int
	Rejected   int
	Failed     int
	Outcomes   []Outcome
}

// Remaining is the number of records still queued after the pass.
func (r UploadReport) Remaining() int { return r.Rejected + r.Failed }

// Attribution supplies the user id stamped on new records.
type Attribution interface {
	UserID() (int64, bool)
}

// Resolver pushes pending records to the server, diverting the ones that
// clash with the cached server snapshot into the conflict registry.
type Resolver struct {
	client    *api.Client
	engine    *Engine
	store     *storage.Store
	pending   *storage.PendingQueue
	conflicts *storage.ConflictRegistry
	author    Attribution
	rules     map[string]ConflictRule
	notify    func()
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Client    *api.Client
	Engine    *Engine
	Store     *storage.Store
	Pending   *storage.PendingQueue
	Conflicts *storage.ConflictRegistry
	Author    Attribution
	// Rules maps collections to their conflict rule. Collections without a
	// rule never conflict.
	Rules map[string]ConflictRule
	// OnDataUpdated is called after any change visible in the tables.
	OnDataUpdated func()
	Log           *zap.Logger
}

// NewResolver builds a Resolver from cfg.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		client:    cfg.Client,
		engine:    cfg.Engine,
		store:     cfg.Store,
		pending:   cfg.Pending,
		conflicts: cfg.Conflicts,
		author:    cfg.Author,
		rules:     cfg.Rules,
		notify:    cfg.OnDataUpdated,
		log:       cfg.Log,
		locks:     make(map[string]*sync.Mutex),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.rules == nil {
		r.rules = map[string]ConflictRule{}
	}
	return r
}

// SubmitOne runs the state machine for a single pending record.
func (r *Resolver) SubmitOne(ctx context.Context, collection, tempID string) (Outcome, error) {
	unlock := r.lock(collection)
	defer unlock()

	rec, ok, err := r.pending.Get(collection, tempID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%s %s: %w", collection, tempID, ErrNotPending)
	}
	server, err := r.serverSnapshot(collection)
	if err != nil {
		return Outcome{}, err
	}

	out := r.attempt(ctx, collection, rec, server)
	switch out.State {
	case StateConflicted:
		if err := r.conflicts.Mark(collection, rec, out.Detail); err != nil {
			return out, err
		}
		if err := r.pending.Remove(collection, tempID); err != nil {
			return out, err
		}
		r.dataUpdated()
	case StateConfirmed:
		removeErr := r.pending.Remove(collection, tempID)
		if removeErr != nil {
			r.log.Error("confirmed record still queued",
				zap.String("collection", collection), zap.String("temp_id", tempID), zap.Error(removeErr))
		}
		r.refresh(ctx, collection)
		r.dataUpdated()
		if removeErr != nil {
			return out, fmt.Errorf("dequeue confirmed %s: %w", tempID, removeErr)
		}
	}
	return out, nil
}

// UploadAll makes one pass over the collection's queue. Conflicts are
// written to the registry, then the queue is rewritten once without the
// confirmed and conflicted records. If the server answers 401/403 the
// remaining records are not attempted.
func (r *Resolver) UploadAll(ctx context.Context, collection string, progress Progress) (UploadReport, error) {
	unlock := r.lock(collection)
	defer unlock()

	var report UploadReport
	queue, err := r.pending.List(collection)
	if err != nil {
		return report, err
	}
	if len(queue) == 0 {
		return report, nil
	}
	server, err := r.serverSnapshot(collection)
	if err != nil {
		return report, err
	}

	processed := make(map[string]bool, len(queue))
	var conflicted []models.Record
	var authErr error

	for i, rec := range queue {
		var out Outcome
		if authErr != nil {
			out = Outcome{Collection: collection, TempID: rec.TempID(), State: StateFailed, Err: authErr}
		} else {
			out = r.attempt(ctx, collection, rec, server)
		}
		report.Outcomes = append(report.Outcomes, out)
		progress.report("Отправка %d/%d: %s", i+1, len(queue), out.State)

		switch out.State {
		case StateConfirmed:
			report.Confirmed++
			processed[out.TempID] = true
			confirmed := rec.Payload()
			if out.ID != 0 {
				confirmed[models.FieldID] = out.ID
			}
			server = append(server, confirmed)
		case StateConflicted:
			report.Conflicted++
			processed[out.TempID] = true
			entry := rec.Clone()
			delete(entry, models.FieldStatus)
			entry[models.FieldConflictReason] = out.Detail
			conflicted = append(conflicted, entry)
		case StateRejected:
			report.Rejected++
		default:
			report.Failed++
			if errors.Is(out.Err, api.ErrUnauthorized) {
				authErr = out.Err
			}
		}
	}

	// Confirmed records leave the queue even when the registry write fails;
	// unrecorded conflicts stay queued and are checked again next pass.
	markErr := r.conflicts.MarkAll(collection, conflicted)
	if markErr != nil {
		for _, rec := range conflicted {
			delete(processed, rec.TempID())
		}
		for i := range report.Outcomes {
			if report.Outcomes[i].State == StateConflicted {
				report.Outcomes[i].State = StateFailed
				report.Outcomes[i].Err = markErr
			}
		}
		report.Failed += report.Conflicted
		report.Conflicted = 0
		r.log.Error("failed to record conflicts",
			zap.String("collection", collection), zap.Int("kept", len(conflicted)), zap.Error(markErr))
	}
	err = r.pending.Update(collection, func(current []models.Record) ([]models.Record, error) {
		kept := make([]models.Record, 0, len(current))
		for _, rec := range current {
			if !processed[rec.TempID()] {
				kept = append(kept, rec)
			}
		}
		return kept, nil
	})
	if err != nil {
		r.log.Error("failed to rewrite pending queue",
			zap.String("collection", collection), zap.Error(err))
	}

	if report.Confirmed > 0 {
		r.refresh(ctx, collection)
	}
	if report.Confirmed > 0 || report.Conflicted > 0 {
		r.dataUpdated()
	}
	r.log.Info("upload finished",
		zap.String("collection", collection),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("conflicted", report.Conflicted),
		zap.Int("rejected", report.Rejected),
		zap.Int("failed", report.Failed))
	return report, errors.Join(markErr, err, authErr)
}

// attempt classifies rec without touching the queue: conflict check first,
// then a POST of the cleaned payload.
func (r *Resolver) attempt(ctx context.Context, collection string, rec models.Record, server []models.Record) Outcome {
	out := Outcome{Collection: collection, TempID: rec.TempID()}

	if rule, ok := r.rules[collection]; ok {
		if reason, conflict := rule(rec, server); conflict {
			out.State = StateConflicted
			out.Detail = reason
			r.log.Info("pending record conflicts with server",
				zap.String("collection", collection),
				zap.String("temp_id", out.TempID),
				zap.String("reason", reason))
			return out
		}
	}

	payload := rec.Payload()
	if _, set := payload[models.FieldCreatedBy]; !set && r.author != nil {
		if id, ok := r.author.UserID(); ok {
			payload[models.FieldCreatedBy] = id
		}
	}

	path := api.CollectionPath(collection)
	resp, err := r.client.Post(ctx, path, payload)
	if err != nil {
		out.State = StateFailed
		out.Err = err
		r.log.Warn("submit failed", zap.String("temp_id", out.TempID), zap.Error(err))
		return out
	}
	if !resp.OK() {
		out.Err = api.Check("POST", path, resp)
		out.Detail = string(resp.Body)
		if resp.Status >= 400 && resp.Status < 500 && !errors.Is(out.Err, api.ErrUnauthorized) {
			out.State = StateRejected
		} else {
			out.State = StateFailed
		}
		r.log.Warn("submit refused",
			zap.String("temp_id", out.TempID), zap.Int("status", resp.Status))
		return out
	}
	if resp.IsEmptyList() {
		out.State = StateRejected
		out.Detail = "сервер вернул пустой ответ: запись не создана"
		out.Err = fmt.Errorf("POST %s: %w: empty list", path, api.ErrRejected)
		return out
	}

	out.State = StateConfirmed
	out.ID = createdID(resp)
	return out
}

// createdID extracts the id from an object or the first list element.
func createdID(resp *api.Response) int64 {
	var obj models.Record
	if resp.Decode(&obj) == nil {
		id, _ := obj.ID()
		return id
	}
	var list []models.Record
	if resp.Decode(&list) == nil && len(list) > 0 {
		id, _ := list[0].ID()
		return id
	}
	return 0
}

// serverSnapshot returns the server records currently cached for collection.
func (r *Resolver) serverSnapshot(collection string) ([]models.Record, error) {
	raw, err := r.store.LoadList(collection)
	if err != nil {
		return nil, err
	}
	out := make([]models.Record, 0, len(raw))
	for _, item := range raw {
		if rec, kind := models.Classify(item); kind == models.KindServer {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Resolver) refresh(ctx context.Context, collection string) {
	if r.engine == nil {
		return
	}
	if res := r.engine.FetchCollection(ctx, collection, nil); !res.OK {
		r.log.Warn("refresh after submit failed", zap.String("collection", collection), zap.Error(res.Err))
	}
}

func (r *Resolver) dataUpdated() {
	if r.notify != nil {
		r.notify()
	}
}

func (r *Resolver) lock(collection string) func() {
	r.mu.Lock()
	l, ok := r.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		r.locks[collection] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}
