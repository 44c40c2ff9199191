package storage

import "errors"

// Cache key prefixes for the per-collection side documents.
const (
	pendingPrefix  = "pending_"
	conflictPrefix = "conflict_"
)

// Keys of the singleton documents.
const (
	AuthKey     = "auth"
	SettingsKey = "default_pl_settings"
)

// ErrMissingTempID is returned when a record without temp_id is queued.
var ErrMissingTempID = errors.New("record has no temp_id")

// PendingKey returns the cache key of collection's pending queue.
func PendingKey(collection string) string { return pendingPrefix + collection }

// ConflictKey returns the cache key of collection's conflict set.
func ConflictKey(collection string) string { return conflictPrefix + collection }
