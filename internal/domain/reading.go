package domain

import (
	"sort"
	"time"
)

// Row maps column names to decoded values. Values are one of float32, int16,
// uint8 or bool.
type Row map[string]any

// Columns returns the column names in sorted order.
func (r Row) Columns() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reading represents one row destined for a table at a point in time.
type Reading struct {
	Table  string
	Tags   map[string]string
	Values Row
	Time   time.Time
}
