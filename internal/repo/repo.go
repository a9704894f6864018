package repo

import (
	"context"
	"time"

	"github.com/milad/meterpoller/internal/domain"
)

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Table string
	// Tags must all be present on a reading with equal values.
	Tags           map[string]string
	StartInclusive *time.Time
	EndExclusive   *time.Time
}

// Match reports whether rd passes the table and tag parts of the filter.
func (f Filter) Match(rd domain.Reading) bool {
	if f.Table != "" && rd.Table != f.Table {
		return false
	}
	for k, v := range f.Tags {
		if got, ok := rd.Tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// ReadingRepository provides access to recently produced readings.
type ReadingRepository interface {
	// List returns readings in ascending time order, optionally filtered by
	// table, tags and [start, end). The returned slice must be treated as
	// read-only by callers.
	List(ctx context.Context, f Filter) ([]domain.Reading, error)
	// Append stores one reading.
	Append(r domain.Reading)
}
