// Package dedup recognizes rows seen by earlier runs and what changed in them.
package dedup

import (
	"strings"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/pkg/utils"
)

// Delimiter joins identity field values before hashing.
const Delimiter = "|"

// ComputeIdentity digests the values of fields in order. Missing fields
// contribute an empty string. With no fields, every field of the row is used
// in row order.
func ComputeIdentity(row *entity.ExtractedRow, fields []string, algo string) (string, error) {
	if len(fields) == 0 {
		fields = row.Fields()
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = row.Value(f)
	}
	return utils.Digest(algo, []byte(strings.Join(parts, Delimiter)))
}
