package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/repo/memrepo"
	"github.com/milad/meterpoller/internal/scheduler"
	"github.com/milad/meterpoller/internal/service"
	"github.com/milad/meterpoller/internal/session"
)

const (
	// PreviewTimeout bounds an on-demand table read.
	PreviewTimeout = 10 * time.Second
	// ReconnectTimeout bounds waiting for a meter session and redialling it.
	ReconnectTimeout = 10 * time.Second
)

// Poller is the runtime view the HTTP API exposes.
type Poller interface {
	Jobs() []scheduler.Status
	Sessions() map[string]session.State
	Preview(ctx context.Context, table string) ([]domain.Reading, error)
	ListReadings(ctx context.Context, q service.ReadingsQuery) (service.ReadingsPage, error)
	Reconnect(ctx context.Context, meter string) error
}

type Server struct {
	poller Poller
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(p Poller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		poller: p,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.NewString()

	w.Header().Set("X-Request-Id", reqID)
	rr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if rec := recover(); rec != nil {
			rr.status = http.StatusInternalServerError

			// If headers were already written we can only log.
			if !rr.wroteHeader {
				if strings.HasPrefix(r.URL.Path, "/api") {
					writeAPIError(rr, http.StatusInternalServerError, "internal_error", "internal error")
				} else {
					http.Error(rr, "internal error", http.StatusInternalServerError)
				}
			}

			s.logger.Error("panic handling request",
				"method", r.Method, "path", r.URL.Path, "req_id", reqID,
				"panic", rec, "stack", string(debug.Stack()),
			)
		}

		dur := time.Since(start)
		observeHTTPRequest(r, rr.status, dur)

		// Keep health checks + metrics endpoint quiet.
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			s.logger.Info("http request",
				"method", r.Method, "path", r.URL.Path, "status", rr.status,
				"duration", dur.Truncate(time.Millisecond), "req_id", reqID,
			)
		}
	}()

	s.mux.ServeHTTP(rr, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleListJobs)
	s.mux.HandleFunc("/api/sessions", s.handleListSessions)
	s.mux.HandleFunc("/api/sessions/{meter}/reconnect", s.handleReconnectSession)
	s.mux.HandleFunc("/api/readings", s.handleListReadings)
	s.mux.HandleFunc("/api/readings.csv", s.handleExportReadings)
	s.mux.HandleFunc("/api/tables/{name}/preview", s.handlePreviewTable)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handleIndex)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jobs := s.poller.Jobs()
	out := make([]jobJSON, 0, len(jobs))
	for _, st := range jobs {
		out = append(out, toJobJSON(st))
	}
	_ = writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	states := s.poller.Sessions()
	out := make([]sessionJSON, 0, len(states))
	for meter, st := range states {
		out = append(out, sessionJSON{Meter: meter, State: st.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meter < out[j].Meter })
	_ = writeJSON(w, http.StatusOK, out)
}

// handleReconnectSession tears a meter's session down and dials it again.
func (s *Server) handleReconnectSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	meter := r.PathValue("meter")

	ctx, cancel := context.WithTimeout(r.Context(), ReconnectTimeout)
	defer cancel()
	if err := s.poller.Reconnect(ctx, meter); err != nil {
		s.writeServiceError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, sessionJSON{Meter: meter, State: s.poller.Sessions()[meter].String()})
}

// handlePreviewTable reads a table once and returns its rows without
// ingesting them.
func (s *Server) handlePreviewTable(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	table := r.PathValue("name")

	ctx, cancel := context.WithTimeout(r.Context(), PreviewTimeout)
	defer cancel()
	readings, err := s.poller.Preview(ctx, table)
	if err != nil && len(readings) == 0 {
		s.writeServiceError(w, err)
		return
	}
	resp := previewResponseJSON{Table: table, Readings: toReadingsJSON(readings)}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// parseReadingsQuery validates `table`, repeated `tag` (key=value),
// `start`, `end` (RFC3339), `page_size` and `page_token`. It writes the
// error response itself.
func parseReadingsQuery(w http.ResponseWriter, r *http.Request) (service.ReadingsQuery, bool) {
	q := r.URL.Query()
	var out service.ReadingsQuery
	var err error

	out.Table = q.Get("table")
	out.Tags, err = parseTags(q["tag"])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return out, false
	}
	out.Start, err = parseOptionalRFC3339(q.Get("start"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "invalid start")
		return out, false
	}
	out.End, err = parseOptionalRFC3339(q.Get("end"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "invalid end")
		return out, false
	}
	if out.Start != nil && out.End != nil && !out.Start.Before(*out.End) {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "invalid range: start must be before end")
		return out, false
	}

	out.Limit, err = parseOptionalInt(q.Get("page_size"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "invalid page_size")
		return out, false
	}
	if out.Limit < 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "page_size must be >= 0")
		return out, false
	}
	out.Cursor = q.Get("page_token")
	if out.Cursor != "" && out.Limit == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", "page_token requires page_size")
		return out, false
	}
	return out, true
}

// handleListReadings returns recently produced readings filtered by table,
// tags and [start, end) if provided.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q, ok := parseReadingsQuery(w, r)
	if !ok {
		return
	}

	page, err := s.poller.ListReadings(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, listReadingsResponseJSON{
		Readings:      toReadingsJSON(page.Readings),
		NextPageToken: page.NextCursor,
	})
}

// handleExportReadings streams the same selection as /api/readings as CSV.
func (s *Server) handleExportReadings(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	q, ok := parseReadingsQuery(w, r)
	if !ok {
		return
	}

	page, err := s.poller.ListReadings(r.Context(), q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if page.NextCursor != "" {
		w.Header().Set("X-Next-Page-Token", page.NextCursor)
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if err := memrepo.WriteCSV(w, page.Readings); err != nil {
		s.logger.Warn("write csv", "err", err)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownTable), errors.Is(err, service.ErrUnknownMeter):
		writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrInvalidTimeRange),
		errors.Is(err, service.ErrInvalidPagination),
		errors.Is(err, service.ErrInvalidTagFilter):
		writeAPIError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeAPIError(w, http.StatusServiceUnavailable, "unavailable", "shutting down")
	case domain.IsConfigError(err):
		writeAPIError(w, http.StatusUnprocessableEntity, "misconfigured", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeAPIError(w, http.StatusGatewayTimeout, "upstream_timeout", "meter timeout")
	case domain.IsDeviceError(err):
		writeAPIError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		// Keep API errors JSON.
		if strings.HasPrefix(r.URL.Path, "/api") {
			writeAPIError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	reqID := w.Header().Get("X-Request-Id")
	_ = writeJSON(w, status, apiErrorJSON{
		Code:      code,
		Message:   message,
		RequestID: reqID,
	})
}
