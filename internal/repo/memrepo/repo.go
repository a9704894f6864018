package memrepo

import (
	"context"
	"sort"
	"sync"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/repo"
)

var _ repo.ReadingRepository = (*Repo)(nil)

// DefaultCapacity bounds the history when New is given a non-positive size.
const DefaultCapacity = 4096

// Repo is a bounded in-memory history of readings. The oldest readings are
// dropped once capacity is reached.
type Repo struct {
	mu       sync.RWMutex
	capacity int
	readings []domain.Reading // sorted ascending by Time
}

func New(capacity int) *Repo {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Repo{capacity: capacity}
}

func (r *Repo) Append(rd domain.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Readings usually arrive in time order; keep equal timestamps in
	// arrival order.
	i := sort.Search(len(r.readings), func(i int) bool { return r.readings[i].Time.After(rd.Time) })
	r.readings = append(r.readings, domain.Reading{})
	copy(r.readings[i+1:], r.readings[i:])
	r.readings[i] = rd

	if over := len(r.readings) - r.capacity; over > 0 {
		r.readings = append(r.readings[:0], r.readings[over:]...)
	}
}

func (r *Repo) List(ctx context.Context, f repo.Filter) ([]domain.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	readings := r.readings
	if f.StartInclusive != nil {
		start := *f.StartInclusive
		i := sort.Search(len(readings), func(i int) bool { return !readings[i].Time.Before(start) })
		readings = readings[i:]
	}
	if f.EndExclusive != nil {
		end := *f.EndExclusive
		j := sort.Search(len(readings), func(i int) bool { return !readings[i].Time.Before(end) })
		readings = readings[:j]
	}

	out := make([]domain.Reading, 0, len(readings))
	for _, rd := range readings {
		if f.Match(rd) {
			out = append(out, rd)
		}
	}
	return out, nil
}

// Len reports how many readings are held.
func (r *Repo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readings)
}
