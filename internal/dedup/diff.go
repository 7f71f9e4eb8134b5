package dedup

import (
	"time"

	"github.com/user/event-pipeline/internal/entity"
)

// Diff compares cur against the last known prev, ignoring the excluded
// (identity) fields. Fields missing from cur are not treated as removals, so
// a failed detail fetch does not register as a change.
func Diff(prev, cur *entity.ExtractedRow, exclude []string, now time.Time) []entity.ChangeRecord {
	skip := make(map[string]struct{}, len(exclude))
	for _, f := range exclude {
		skip[f] = struct{}{}
	}

	var changes []entity.ChangeRecord
	for _, field := range cur.Fields() {
		if _, ok := skip[field]; ok {
			continue
		}
		newVal, ok := cur.Get(field)
		if !ok {
			continue
		}
		oldVal := prev.Value(field)
		if oldVal == newVal {
			continue
		}
		changes = append(changes, entity.ChangeRecord{
			Timestamp: now,
			Field:     field,
			OldValue:  oldVal,
			NewValue:  newVal,
		})
	}
	return changes
}

// onlyFillsFields reports whether every change fills a previously empty field
// listed in fields.
func onlyFillsFields(changes []entity.ChangeRecord, fields []string) bool {
	if len(changes) == 0 || len(fields) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		allowed[f] = struct{}{}
	}
	for _, c := range changes {
		if _, ok := allowed[c.Field]; !ok || c.OldValue != "" || c.NewValue == "" {
			return false
		}
	}
	return true
}
