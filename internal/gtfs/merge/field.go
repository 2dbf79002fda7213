package merge

import (
	"feedmanager/internal/gtfs/spec"
)

// headerIndex finds the input column whose header name matches exactly.
// Returns -1 when the feed omits the column.
func headerIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// resolveField produces the output cell for one schema field from one input
// row.
//
// Missing column and short row both degrade to an empty value rather than
// failing the row: GTFS feeds commonly omit optional columns, and a short
// row loses only its missing cells (a wholly blank line is dropped earlier,
// by the table reader).
//
// Identifier values are namespaced with the feed label so they stay unique
// across feeds in a merged archive. Empty identifiers stay empty.
func resolveField(f spec.Field, header []string, row []string, feedLabel string) string {
	idx := headerIndex(header, f.Name)
	if idx < 0 || idx >= len(row) {
		return ""
	}
	val := row[idx]
	if f.Type.Identifier() && val != "" {
		return feedLabel + ":" + val
	}
	return val
}
