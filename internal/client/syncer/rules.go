package syncer

import (
	"fmt"

	"github.com/agroup14/waybill/internal/models"
)

// ConflictRule decides, before any network call, whether candidate clashes
// with a record the server already has. It returns a human-readable reason
// when it does.
type ConflictRule func(candidate models.Record, server []models.Record) (reason string, conflict bool)

// UniqueKeyRule flags a candidate whose key field matches a server record
// while its secondary field differs.
func UniqueKeyRule(key, secondary string) ConflictRule {
	return func(candidate models.Record, server []models.Record) (string, bool) {
		val := candidate.String(key)
		if val == "" {
			return "", false
		}
		for _, rec := range server {
			if rec.String(key) != val {
				continue
			}
			if models.SameValue(rec[secondary], candidate[secondary]) {
				continue
			}
			id, _ := rec.ID()
			return fmt.Sprintf("%s %s уже есть на сервере (id %d) с другим значением %s: %s, у вас %s",
				key, val, id, secondary, rec.String(secondary), candidate.String(secondary)), true
		}
		return "", false
	}
}

// DefaultRules returns the conflict rules used for the waybill registry: a
// waybill number may belong to one driver only.
func DefaultRules() map[string]ConflictRule {
	return map[string]ConflictRule{
		"registries": UniqueKeyRule("numberPL", "driver"),
	}
}
