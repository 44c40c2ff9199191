package service

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/agroup14/waybill/internal/models"
)

// ErrBadCollection is returned for collection names outside [a-z0-9-].
var ErrBadCollection = errors.New("unknown collection")

var collectionName = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// RecordRepository defines the persistence operations needed by the RecordService.
type RecordRepository interface {
	List(ctx context.Context, collection string) ([]models.Record, error)
	FindByField(ctx context.Context, collection, field, value string) ([]models.Record, error)
	Create(ctx context.Context, collection string, data models.Record, createdBy int64) (models.Record, error)
	Update(ctx context.Context, collection string, id int64, data models.Record) (models.Record, error)
	Patch(ctx context.Context, collection string, id int64, fields models.Record) (models.Record, error)
	SoftDelete(ctx context.Context, collection string, ids []int64) error
}

// DefaultUniqueFields maps collections to the field that must be unique
// among their live records.
func DefaultUniqueFields() map[string]string {
	return map[string]string{"registries": "numberPL"}
}

// RecordService implements the generic collection API.
type RecordService struct {
	repo   RecordRepository
	unique map[string]string

	// mu serializes creates so the uniqueness check and the insert happen
	// as one step.
	mu sync.Mutex
}

// NewRecordService constructs a RecordService. unique may be nil.
func NewRecordService(repo RecordRepository, unique map[string]string) *RecordService {
	if unique == nil {
		unique = map[string]string{}
	}
	return &RecordService{repo: repo, unique: unique}
}

// List returns the live records of collection.
func (s *RecordService) List(ctx context.Context, collection string) ([]models.Record, error) {
	if !collectionName.MatchString(collection) {
		return nil, ErrBadCollection
	}
	return s.repo.List(ctx, collection)
}

// Create stores data in collection on behalf of userID. When the
// collection's unique field already has the submitted value nothing is
// stored and created is false.
func (s *RecordService) Create(ctx context.Context, collection string, data models.Record, userID int64) (rec models.Record, created bool, err error) {
	if !collectionName.MatchString(collection) {
		return nil, false, ErrBadCollection
	}
	data = data.Clone()
	if _, ok := data[models.FieldCreatedBy]; !ok && userID != 0 {
		data[models.FieldCreatedBy] = userID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if field, ok := s.unique[collection]; ok {
		if val := data.String(field); val != "" {
			existing, err := s.repo.FindByField(ctx, collection, field, val)
			if err != nil {
				return nil, false, err
			}
			if len(existing) > 0 {
				return nil, false, nil
			}
		}
	}
	rec, err = s.repo.Create(ctx, collection, data, userID)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Update replaces record id.
func (s *RecordService) Update(ctx context.Context, collection string, id int64, data models.Record) (models.Record, error) {
	if !collectionName.MatchString(collection) {
		return nil, ErrBadCollection
	}
	return s.repo.Update(ctx, collection, id, data)
}

// Patch merges fields into record id.
func (s *RecordService) Patch(ctx context.Context, collection string, id int64, fields models.Record) (models.Record, error) {
	if !collectionName.MatchString(collection) {
		return nil, ErrBadCollection
	}
	return s.repo.Patch(ctx, collection, id, fields)
}

// Delete soft-deletes record id.
func (s *RecordService) Delete(ctx context.Context, collection string, id int64) error {
	if !collectionName.MatchString(collection) {
		return ErrBadCollection
	}
	return s.repo.SoftDelete(ctx, collection, []int64{id})
}
