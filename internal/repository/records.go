package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/agroup14/waybill/internal/models"
)

// PostgresRecordRepository keeps the records of every collection in one
// table, with the record body in a JSONB column.
type PostgresRecordRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresRecordRepository creates a new PostgresRecordRepository using the provided *sql.DB.
func NewPostgresRecordRepository(db *sql.DB) *PostgresRecordRepository {
	return &PostgresRecordRepository{DB: db}
}

// List returns the live records of collection ordered by id.
func (s *PostgresRecordRepository) List(ctx context.Context, collection string) ([]models.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, data FROM records WHERE collection = $1 AND deleted = false ORDER BY id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return scanRecords(rows)
}

// FindByField returns the live records of collection whose top-level field
// has the given text value.
func (s *PostgresRecordRepository) FindByField(ctx context.Context, collection, field, value string) ([]models.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, data FROM records
		WHERE collection = $1 AND deleted = false AND data->>$2 = $3
		ORDER BY id
	`, collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("FindByField: %w", err)
	}
	return scanRecords(rows)
}

// Create stores data as a new record of collection and returns it with its
// id. createdBy is zero for anonymous writes.
func (s *PostgresRecordRepository) Create(ctx context.Context, collection string, data models.Record, createdBy int64) (models.Record, error) {
	body, err := encodeBody(data)
	if err != nil {
		return nil, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO records (collection, data, created_by) VALUES ($1, $2, $3) RETURNING id
	`, collection, body, nullID(createdBy)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	return decodeBody(id, body)
}

// Update replaces the body of record id.
func (s *PostgresRecordRepository) Update(ctx context.Context, collection string, id int64, data models.Record) (models.Record, error) {
	body, err := encodeBody(data)
	if err != nil {
		return nil, err
	}
	return s.returning(ctx, "Update", `
		UPDATE records SET data = $3, updated_at = now()
		WHERE collection = $1 AND id = $2 AND deleted = false
		RETURNING id, data
	`, collection, id, body)
}

// Patch merges fields into the body of record id.
func (s *PostgresRecordRepository) Patch(ctx context.Context, collection string, id int64, fields models.Record) (models.Record, error) {
	body, err := encodeBody(fields)
	if err != nil {
		return nil, err
	}
	return s.returning(ctx, "Patch", `
		UPDATE records SET data = data || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2 AND deleted = false
		RETURNING id, data
	`, collection, id, body)
}

// SoftDelete marks the given records of collection as deleted. It returns
// models.ErrNotFound when none of them was live.
func (s *PostgresRecordRepository) SoftDelete(ctx context.Context, collection string, ids []int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE records SET deleted = true, updated_at = now()
		WHERE collection = $1 AND id = ANY($2) AND deleted = false
	`, collection, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("SoftDelete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresRecordRepository) returning(ctx context.Context, op, query string, args ...any) (models.Record, error) {
	var (
		id   int64
		body []byte
	)
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return decodeBody(id, body)
}

func scanRecords(rows *sql.Rows) ([]models.Record, error) {
	defer rows.Close()

	out := []models.Record{}
	for rows.Next() {
		var (
			id   int64
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec, err := decodeBody(id, body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// encodeBody serializes a record without its identity fields.
func encodeBody(data models.Record) ([]byte, error) {
	body := data.Clone()
	delete(body, models.FieldID)
	delete(body, models.FieldTempID)
	delete(body, models.FieldStatus)
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func decodeBody(id int64, body []byte) (models.Record, error) {
	rec := models.Record{}
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", id, err)
	}
	rec[models.FieldID] = id
	return rec, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
