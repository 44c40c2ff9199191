package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/models"
)

// PendingQueue keeps, per collection, the records created locally and not
// yet acknowledged by the server. Entries are keyed by temp_id.
type PendingQueue struct {
	store *Store
	log   *zap.Logger
}

// NewPendingQueue layers a pending queue on store.
func NewPendingQueue(store *Store, log *zap.Logger) *PendingQueue {
	if log == nil {
		log = zap.NewNop()
	}
	return &PendingQueue{store: store, log: log}
}

// Enqueue appends rec to the collection's queue and persists it.
func (q *PendingQueue) Enqueue(collection string, rec models.Record) error {
	if rec.TempID() == "" {
		return ErrMissingTempID
	}
	key := PendingKey(collection)
	unlock := q.store.Lock(key)
	defer unlock()

	list, err := q.list(collection)
	if err != nil {
		return err
	}
	list = append(list, rec.Clone())
	if err := q.store.Save(key, list); err != nil {
		return fmt.Errorf("enqueue %s: %w", collection, err)
	}
	return nil
}

// List returns the validated pending records of collection. Entries that are
// not objects or lack a temp_id are dropped and the cleaned list is written
// back immediately.
func (q *PendingQueue) List(collection string) ([]models.Record, error) {
	unlock := q.store.Lock(PendingKey(collection))
	defer unlock()
	return q.list(collection)
}

// Get returns the pending record with tempID.
func (q *PendingQueue) Get(collection, tempID string) (models.Record, bool, error) {
	list, err := q.List(collection)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range list {
		if rec.TempID() == tempID {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Remove deletes the entry with tempID. A missing entry is not an error.
func (q *PendingQueue) Remove(collection, tempID string) error {
	key := PendingKey(collection)
	unlock := q.store.Lock(key)
	defer unlock()

	list, err := q.list(collection)
	if err != nil {
		return err
	}
	kept, removed := without(list, tempID)
	if !removed {
		return nil
	}
	if err := q.store.Save(key, kept); err != nil {
		return fmt.Errorf("remove %s from %s: %w", tempID, collection, err)
	}
	return nil
}

// Count returns the size of the validated queue.
func (q *PendingQueue) Count(collection string) (int, error) {
	list, err := q.List(collection)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// Update applies fn to the whole queue under the collection lock and saves
// the list it returns. It is used by batch operations that must persist
// their result in one write.
func (q *PendingQueue) Update(collection string, fn func([]models.Record) ([]models.Record, error)) error {
	key := PendingKey(collection)
	unlock := q.store.Lock(key)
	defer unlock()

	list, err := q.list(collection)
	if err != nil {
		return err
	}
	next, err := fn(list)
	if err != nil {
		return err
	}
	if next == nil {
		next = []models.Record{}
	}
	if err := q.store.Save(key, next); err != nil {
		return fmt.Errorf("update %s: %w", collection, err)
	}
	return nil
}

// Replace overwrites the collection's queue with recs.
func (q *PendingQueue) Replace(collection string, recs []models.Record) error {
	return q.Update(collection, func([]models.Record) ([]models.Record, error) {
		return recs, nil
	})
}

// list reads and repairs the queue. The caller holds the key lock.
func (q *PendingQueue) list(collection string) ([]models.Record, error) {
	key := PendingKey(collection)
	doc, ok, err := q.store.Load(key)
	if IsCorrupt(err) {
		if _, qerr := q.store.Quarantine(key); qerr != nil {
			return nil, errors.Join(err, qerr)
		}
		return []models.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return []models.Record{}, nil
	}
	valid, dropped := validTempRecords(doc)
	if dropped > 0 {
		q.log.Warn("dropped malformed pending entries",
			zap.String("collection", collection), zap.Int("dropped", dropped))
		if err := q.store.Save(key, valid); err != nil {
			return nil, fmt.Errorf("repair %s: %w", key, err)
		}
	}
	return valid, nil
}

// validTempRecords keeps the entries of doc that are objects with a
// non-empty temp_id. A document that is not a list counts as one dropped
// entry so that it gets rewritten.
func validTempRecords(doc any) ([]models.Record, int) {
	raw, ok := doc.([]any)
	if !ok {
		return []models.Record{}, 1
	}
	out := make([]models.Record, 0, len(raw))
	dropped := 0
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok || models.Record(m).TempID() == "" {
			dropped++
			continue
		}
		out = append(out, models.Record(m))
	}
	return out, dropped
}

func without(list []models.Record, tempID string) ([]models.Record, bool) {
	out := make([]models.Record, 0, len(list))
	removed := false
	for _, rec := range list {
		if rec.TempID() == tempID {
			removed = true
			continue
		}
		out = append(out, rec)
	}
	return out, removed
}
