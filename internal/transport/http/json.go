package httpserver

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/scheduler"
)

type readingJSON struct {
	Time   string            `json:"time"`
	Table  string            `json:"table"`
	Tags   map[string]string `json:"tags,omitempty"`
	Values domain.Row        `json:"values"`
}

type listReadingsResponseJSON struct {
	Readings      []readingJSON `json:"readings"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

type previewResponseJSON struct {
	Table    string        `json:"table"`
	Readings []readingJSON `json:"readings"`
	// Error is set when some symbols of a symbolic table failed.
	Error string `json:"error,omitempty"`
}

type jobJSON struct {
	Name                string  `json:"name"`
	IntervalSeconds     float64 `json:"intervalSeconds"`
	State               string  `json:"state"`
	Running             bool    `json:"running"`
	Ticks               uint64  `json:"ticks"`
	Failures            uint64  `json:"failures"`
	LastStart           string  `json:"lastStart,omitempty"`
	LastDurationSeconds float64 `json:"lastDurationSeconds,omitempty"`
	LastError           string  `json:"lastError,omitempty"`
}

type sessionJSON struct {
	Meter string `json:"meter"`
	State string `json:"state"`
}

type apiErrorJSON struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toReadingsJSON(readings []domain.Reading) []readingJSON {
	out := make([]readingJSON, 0, len(readings))
	for _, r := range readings {
		out = append(out, readingJSON{
			Time:   formatTime(r.Time),
			Table:  r.Table,
			Tags:   r.Tags,
			Values: finiteValues(r.Values),
		})
	}
	return out
}

// finiteValues replaces NaN and infinities, which JSON cannot carry, with
// null.
func finiteValues(row domain.Row) domain.Row {
	out := make(domain.Row, len(row))
	for k, v := range row {
		if f, ok := v.(float32); ok && (math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)) {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

func toJobJSON(st scheduler.Status) jobJSON {
	j := jobJSON{
		Name:            st.Name,
		IntervalSeconds: st.Interval.Seconds(),
		State:           st.State.String(),
		Running:         st.Running,
		Ticks:           st.Ticks,
		Failures:        st.Failures,
		LastError:       st.LastError,
	}
	if !st.LastStart.IsZero() {
		j.LastStart = formatTime(st.LastStart)
		j.LastDurationSeconds = st.LastDuration.Seconds()
	}
	return j
}
