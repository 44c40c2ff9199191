// Package models defines the core data structures shared by the client
// and the reference backend: records, users and credentials.
package models

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Well-known record fields.
const (
	// FieldID holds the server-assigned integer identifier.
	FieldID = "id"
	// FieldTempID holds the client-generated identifier of a pending record.
	FieldTempID = "temp_id"
	// FieldConflictReason explains why a record was moved to the conflict set.
	FieldConflictReason = "conflict_reason"
	// FieldStatus is the presentational tag set by the merged view.
	FieldStatus = "_status"
	// FieldCreatedBy attributes a record to the user that created it.
	FieldCreatedBy = "created_by"
)

// Presentational statuses attached by the merged view.
const (
	StatusSynced   = ""
	StatusUnsynced = "unsynced"
	StatusConflict = "conflict"
)

// Record is a single JSON object from a collection.
type Record map[string]any

// Kind tells which identity regime a record belongs to.
type Kind int

const (
	// KindInvalid marks entries that are not usable records.
	KindInvalid Kind = iota
	// KindServer marks records carrying a server-confirmed id.
	KindServer
	// KindPending marks locally created records identified by temp_id.
	KindPending
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindPending:
		return "pending"
	default:
		return "invalid"
	}
}

// User represents an application user with credentials.
type User struct {
	// ID is the numeric identifier of the user.
	ID int64
	// Username is the login name chosen by the user.
	Username string
	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash []byte
}

// Credentials is the username/password pair remembered for auto-login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewTempID returns a fresh client-side identifier for a pending record.
func NewTempID() string {
	return "temp_" + uuid.NewString()
}

// Classify validates a raw decoded JSON value and reports which identity
// regime it belongs to. A server id wins over a temp_id when both are set.
func Classify(v any) (Record, Kind) {
	m, ok := v.(map[string]any)
	if !ok {
		if r, isRec := v.(Record); isRec {
			m = r
		} else {
			return nil, KindInvalid
		}
	}
	rec := Record(m)
	if _, ok := rec.ID(); ok {
		return rec, KindServer
	}
	if rec.TempID() != "" {
		return rec, KindPending
	}
	return rec, KindInvalid
}

// ID returns the server identifier if the record carries one.
// JSON numbers, json.Number and numeric strings are accepted.
func (r Record) ID() (int64, bool) {
	return AsInt(r[FieldID])
}

// TempID returns the temporary identifier or an empty string.
func (r Record) TempID() string {
	s, _ := r[FieldTempID].(string)
	return s
}

// String returns the string form of a scalar field, or "" when absent.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Payload returns the copy of the record that is sent to the server:
// identity, client-only and empty fields are removed.
func (r Record) Payload() Record {
	out := make(Record, len(r))
	for k, v := range r {
		switch k {
		case FieldID, FieldTempID, FieldConflictReason, FieldStatus:
			continue
		}
		if IsEmpty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// IsEmpty reports whether v is nil, an empty string or an empty container.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case Record:
		return len(t) == 0
	}
	return false
}

// AsInt converts a decoded JSON scalar into an int64.
func AsInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// SameValue compares two scalar field values loosely, so that 3, 3.0 and
// "3" are treated as the same reference.
func SameValue(a, b any) bool {
	if IsEmpty(a) && IsEmpty(b) {
		return true
	}
	if ai, ok := AsInt(a); ok {
		if bi, ok := AsInt(b); ok {
			return ai == bi
		}
	}
	return Record{"v": a}.String("v") == Record{"v": b}.String("v")
}
