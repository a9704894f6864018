package memrepo

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/milad/meterpoller/internal/domain"
)

// CSVHeader is the header written by WriteCSV.
var CSVHeader = []string{"time", "table", "tags", "column", "value"}

// WriteCSV writes readings in long form, one record per column. Tags are
// encoded as sorted key=value pairs joined by ';'.
func WriteCSV(w io.Writer, readings []domain.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rd := range readings {
		ts := rd.Time.UTC().Format(time.RFC3339Nano)
		tags := encodeTags(rd.Tags)
		for _, col := range rd.Values.Columns() {
			rec := []string{ts, rd.Table, tags, col, fmt.Sprint(rd.Values[col])}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write %s/%s: %w", rd.Table, col, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ";")
}
