package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/agroup14/waybill/internal/models"
)

// ConflictRegistry holds records that failed a uniqueness check. They stay
// here until someone clears them; nothing retries them automatically.
type ConflictRegistry struct {
	store *Store
	log   *zap.Logger
}

// NewConflictRegistry layers a conflict registry on store.
func NewConflictRegistry(store *Store, log *zap.Logger) *ConflictRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConflictRegistry{store: store, log: log}
}

// Mark stores a copy of rec annotated with reason. A previous entry with the
// same temp_id is replaced.
func (c *ConflictRegistry) Mark(collection string, rec models.Record, reason string) error {
	if rec.TempID() == "" {
		return ErrMissingTempID
	}
	key := ConflictKey(collection)
	unlock := c.store.Lock(key)
	defer unlock()

	list, err := c.list(collection)
	if err != nil {
		return err
	}
	list, _ = without(list, rec.TempID())
	entry := rec.Clone()
	delete(entry, models.FieldStatus)
	entry[models.FieldConflictReason] = reason
	list = append(list, entry)
	if err := c.store.Save(key, list); err != nil {
		return fmt.Errorf("mark conflict in %s: %w", collection, err)
	}
	return nil
}

// MarkAll stores several conflicts with a single write.
func (c *ConflictRegistry) MarkAll(collection string, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	key := ConflictKey(collection)
	unlock := c.store.Lock(key)
	defer unlock()

	list, err := c.list(collection)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.TempID() == "" {
			return ErrMissingTempID
		}
		list, _ = without(list, rec.TempID())
		list = append(list, rec)
	}
	if err := c.store.Save(key, list); err != nil {
		return fmt.Errorf("mark conflicts in %s: %w", collection, err)
	}
	return nil
}

// List returns the conflicted records of collection.
func (c *ConflictRegistry) List(collection string) ([]models.Record, error) {
	unlock := c.store.Lock(ConflictKey(collection))
	defer unlock()
	return c.list(collection)
}

// Count returns the number of conflicted records.
func (c *ConflictRegistry) Count(collection string) (int, error) {
	list, err := c.List(collection)
	return len(list), err
}

// Clear removes the conflict with tempID. Missing entries are ignored.
func (c *ConflictRegistry) Clear(collection, tempID string) error {
	key := ConflictKey(collection)
	unlock := c.store.Lock(key)
	defer unlock()

	list, err := c.list(collection)
	if err != nil {
		return err
	}
	kept, removed := without(list, tempID)
	if !removed {
		return nil
	}
	if err := c.store.Save(key, kept); err != nil {
		return fmt.Errorf("clear conflict %s: %w", tempID, err)
	}
	return nil
}

func (c *ConflictRegistry) list(collection string) ([]models.Record, error) {
	key := ConflictKey(collection)
	doc, ok, err := c.store.Load(key)
	if IsCorrupt(err) {
		if _, qerr := c.store.Quarantine(key); qerr != nil {
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
		c.log.Warn("dropped malformed conflict entries",
			zap.String("collection", collection), zap.Int("dropped", dropped))
		if err := c.store.Save(key, valid); err != nil {
			return nil, fmt.Errorf("repair %s: %w", key, err)
		}
	}
	return valid, nil
}
