package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/repo"
)

var (
	ErrUnknownTable      = errors.New("unknown table")
	ErrUnknownMeter      = errors.New("unknown meter")
	ErrInvalidTimeRange  = errors.New("invalid time range")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrInvalidTagFilter  = errors.New("invalid tag filter")
)

const (
	// MaxUnpagedRange caps a bounded [start, end) selection that is not paged.
	MaxUnpagedRange = 7 * 24 * time.Hour
	MaxPageSize     = 5_000
)

// ReadingsQuery selects readings from the history. Zero fields match
// everything. A zero Limit returns the whole selection in one page.
type ReadingsQuery struct {
	Table string
	// Tags must all match, e.g. {"phase": "2"} for one symbol of a
	// symbolic table.
	Tags   map[string]string
	Start  *time.Time
	End    *time.Time
	Limit  int
	Cursor string
}

func (q ReadingsQuery) validate() error {
	if q.Start != nil && q.End != nil {
		if !q.Start.Before(*q.End) {
			return fmt.Errorf("%w: start must be before end", ErrInvalidTimeRange)
		}
		if q.Limit == 0 && q.End.Sub(*q.Start) > MaxUnpagedRange {
			return fmt.Errorf("%w: range too large without a limit (max %s)", ErrInvalidTimeRange, MaxUnpagedRange)
		}
	}
	switch {
	case q.Limit < 0:
		return fmt.Errorf("%w: limit must be >= 0", ErrInvalidPagination)
	case q.Limit > MaxPageSize:
		return fmt.Errorf("%w: limit too large (max %d)", ErrInvalidPagination, MaxPageSize)
	case q.Cursor != "" && q.Limit == 0:
		return fmt.Errorf("%w: cursor requires limit", ErrInvalidPagination)
	}
	for k := range q.Tags {
		if k == "" {
			return fmt.Errorf("%w: empty tag key", ErrInvalidTagFilter)
		}
	}
	return nil
}

// ReadingsPage is one page of a query. NextCursor is empty on the last page.
type ReadingsPage struct {
	Readings   []domain.Reading
	NextCursor string
}

// ReadingsService answers queries over the readings the collector recorded.
type ReadingsService struct {
	history repo.ReadingRepository
}

func NewReadingsService(history repo.ReadingRepository) *ReadingsService {
	return &ReadingsService{history: history}
}

// Query returns the readings matching q in time order.
//
// A cursor names a timestamp and how many readings at that timestamp were
// already returned, so evicting readings older than the cursor from the
// bounded history does not shift the next page.
func (s *ReadingsService) Query(ctx context.Context, q ReadingsQuery) (ReadingsPage, error) {
	if err := q.validate(); err != nil {
		return ReadingsPage{}, err
	}
	cur, err := parseCursor(q.Cursor)
	if err != nil {
		return ReadingsPage{}, err
	}

	f := repo.Filter{Table: q.Table, Tags: q.Tags, StartInclusive: q.Start, EndExclusive: q.End}
	if cur != nil && (f.StartInclusive == nil || cur.at.After(*f.StartInclusive)) {
		at := cur.at
		f.StartInclusive = &at
	}
	readings, err := s.history.List(ctx, f)
	if err != nil {
		return ReadingsPage{}, err
	}
	if cur != nil {
		readings = cur.skip(readings)
	}

	if q.Limit == 0 || len(readings) <= q.Limit {
		return ReadingsPage{Readings: readings}, nil
	}
	page := readings[:q.Limit]
	return ReadingsPage{Readings: page, NextCursor: nextCursor(page, cur).String()}, nil
}

type cursor struct {
	at   time.Time
	seen int
}

func (c *cursor) String() string {
	return strconv.FormatInt(c.at.UnixNano(), 36) + "." + strconv.Itoa(c.seen)
}

func parseCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, seen, ok := strings.Cut(s, ".")
	if !ok {
		return nil, fmt.Errorf("%w: invalid cursor", ErrInvalidPagination)
	}
	ns, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cursor", ErrInvalidPagination)
	}
	n, err := strconv.Atoi(seen)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: invalid cursor", ErrInvalidPagination)
	}
	return &cursor{at: time.Unix(0, ns).UTC(), seen: n}, nil
}

// skip drops the readings at the cursor timestamp that an earlier page
// already returned. rs must start at or after c.at.
func (c *cursor) skip(rs []domain.Reading) []domain.Reading {
	n := 0
	for n < len(rs) && n < c.seen && rs[n].Time.Equal(c.at) {
		n++
	}
	return rs[n:]
}

// nextCursor points just past the last reading of page.
func nextCursor(page []domain.Reading, prev *cursor) *cursor {
	last := page[len(page)-1].Time
	next := &cursor{at: last}
	for i := len(page) - 1; i >= 0 && page[i].Time.Equal(last); i-- {
		next.seen++
	}
	if prev != nil && prev.at.Equal(last) {
		next.seen += prev.seen
	}
	return next
}
