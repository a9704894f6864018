package httpserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func parseOptionalRFC3339(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	// RFC3339Nano parsing accepts timestamps with or without fractional seconds.
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	tt := t.UTC()
	return &tt, nil
}

func parseOptionalInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// parseTags reads repeated key=value filters. Nil means no filter.
func parseTags(vs []string) (map[string]string, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(vs))
	for _, v := range vs {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q: want key=value", v)
		}
		out[k] = val
	}
	return out, nil
}
