// Package sink forwards decoded rows to the time-series database.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	qdb "github.com/questdb/go-questdb-client/v3"

	"github.com/milad/meterpoller/internal/domain"
)

// Sink ingests one row into a table. Implementations must be safe for
// concurrent use.
type Sink interface {
	Ingest(ctx context.Context, table string, row domain.Row, tags map[string]string, ts time.Time) error
}

// QuestDB writes rows over the InfluxDB line protocol.
//
// The sender is opened on first use and dropped after a failed write, so a
// database restart costs one failed row per table rather than a dead sink.
type QuestDB struct {
	conf   string
	logger *slog.Logger

	mu     sync.Mutex
	sender qdb.LineSender
}

var _ Sink = (*QuestDB)(nil)

// NewQuestDB returns a sink for the given client configuration string, e.g.
// "tcp::addr=localhost:9009;".
func NewQuestDB(conf string, logger *slog.Logger) *QuestDB {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuestDB{conf: conf, logger: logger}
}

func (q *QuestDB) Ingest(ctx context.Context, table string, row domain.Row, tags map[string]string, ts time.Time) error {
	if err := checkRow(row); err != nil {
		return fmt.Errorf("questdb ingest %s: %w", table, err)
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sender == nil {
		s, err := qdb.LineSenderFromConf(ctx, q.conf)
		if err != nil {
			return fmt.Errorf("questdb connect: %w", err)
		}
		q.sender = s
	}

	err := q.write(ctx, table, row, tags, ts)
	if err == nil {
		err = q.sender.Flush(ctx)
	}
	if err != nil {
		q.reset(ctx)
		return fmt.Errorf("questdb ingest %s: %w", table, err)
	}
	return nil
}

func checkRow(row domain.Row) error {
	for col, v := range row {
		switch v.(type) {
		case float32, float64, int16, uint8, int64, bool:
		default:
			return fmt.Errorf("column %q: unsupported value %T", col, v)
		}
	}
	return nil
}

func (q *QuestDB) write(ctx context.Context, table string, row domain.Row, tags map[string]string, ts time.Time) error {
	s := q.sender.Table(table)

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s = s.Symbol(k, tags[k])
	}

	for _, col := range row.Columns() {
		switch v := row[col].(type) {
		case float32:
			s = s.Float64Column(col, float64(v))
		case float64:
			s = s.Float64Column(col, v)
		case int16:
			s = s.Int64Column(col, int64(v))
		case uint8:
			s = s.Int64Column(col, int64(v))
		case int64:
			s = s.Int64Column(col, v)
		case bool:
			s = s.BoolColumn(col, v)
		}
	}
	return s.At(ctx, ts)
}

// reset requires q.mu.
func (q *QuestDB) reset(ctx context.Context) {
	if q.sender == nil {
		return
	}
	if err := q.sender.Close(ctx); err != nil {
		q.logger.Debug("questdb close after failure", "err", err)
	}
	q.sender = nil
}

// Close flushes and closes the sender, if one is open.
func (q *QuestDB) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sender == nil {
		return nil
	}
	err := q.sender.Close(ctx)
	q.sender = nil
	return err
}
