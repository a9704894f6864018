package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/milad/meterpoller/internal/domain"
	"github.com/milad/meterpoller/internal/scheduler"
	"github.com/milad/meterpoller/internal/service"
	"github.com/milad/meterpoller/internal/session"
)

// Poller is the runtime view the service exposes.
type Poller interface {
	Jobs() []scheduler.Status
	Sessions() map[string]session.State
	Preview(ctx context.Context, table string) ([]domain.Reading, error)
	ListReadings(ctx context.Context, q service.ReadingsQuery) (service.ReadingsPage, error)
	Reconnect(ctx context.Context, meter string) error
}

type Server struct {
	poller Poller
}

var _ PollerServiceServer = (*Server)(nil)

func New(p Poller) *Server {
	return &Server{poller: p}
}

func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	jobs := s.poller.Jobs()
	out := make([]any, 0, len(jobs))
	for _, j := range jobs {
		job := map[string]any{
			"name":             j.Name,
			"interval_seconds": j.Interval.Seconds(),
			"state":            j.State.String(),
			"running":          j.Running,
			"ticks":            float64(j.Ticks),
			"failures":         float64(j.Failures),
		}
		if !j.LastStart.IsZero() {
			job["last_start"] = formatTime(j.LastStart)
			job["last_duration_seconds"] = j.LastDuration.Seconds()
		}
		if j.LastError != "" {
			job["last_error"] = j.LastError
		}
		out = append(out, job)
	}
	return newStruct(map[string]any{"jobs": out})
}

func (s *Server) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sessions := make(map[string]any)
	for meter, st := range s.poller.Sessions() {
		sessions[meter] = st.String()
	}
	return newStruct(map[string]any{"sessions": sessions})
}

func (s *Server) PreviewTable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	table := stringField(req, "table")
	if table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}

	readings, err := s.poller.Preview(ctx, table)
	if err != nil && len(readings) == 0 {
		return nil, statusFromError(err)
	}
	resp := map[string]any{"readings": readingsToAny(readings)}
	if err != nil {
		// Some symbols of a symbolic table failed.
		resp["error"] = err.Error()
	}
	return newStruct(resp)
}

func (s *Server) ListReadings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start, err := timeField(req, "start")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	end, err := timeField(req, "end")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	pageSize, err := intField(req, "page_size")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	tags, err := tagsField(req, "tags")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	page, err := s.poller.ListReadings(ctx, service.ReadingsQuery{
		Table:  stringField(req, "table"),
		Tags:   tags,
		Start:  start,
		End:    end,
		Limit:  pageSize,
		Cursor: stringField(req, "page_token"),
	})
	if err != nil {
		return nil, statusFromError(err)
	}
	resp := map[string]any{"readings": readingsToAny(page.Readings)}
	if page.NextCursor != "" {
		resp["next_page_token"] = page.NextCursor
	}
	return newStruct(resp)
}

// ReconnectSession drops a meter's session and dials it again.
func (s *Server) ReconnectSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	meter := stringField(req, "meter")
	if meter == "" {
		return nil, status.Error(codes.InvalidArgument, "meter is required")
	}
	if err := s.poller.Reconnect(ctx, meter); err != nil {
		return nil, statusFromError(err)
	}
	return newStruct(map[string]any{
		"meter": meter,
		"state": s.poller.Sessions()[meter].String(),
	})
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, service.ErrUnknownTable), errors.Is(err, service.ErrUnknownMeter):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTimeRange),
		errors.Is(err, service.ErrInvalidPagination),
		errors.Is(err, service.ErrInvalidTagFilter):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case domain.IsConfigError(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case domain.IsDeviceError(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func readingsToAny(readings []domain.Reading) []any {
	out := make([]any, 0, len(readings))
	for _, r := range readings {
		values := make(map[string]any, len(r.Values))
		for col, v := range r.Values {
			values[col] = plainValue(v)
		}
		item := map[string]any{
			"table":  r.Table,
			"time":   formatTime(r.Time),
			"values": values,
		}
		if len(r.Tags) > 0 {
			tags := make(map[string]any, len(r.Tags))
			for k, v := range r.Tags {
				tags[k] = v
			}
			item["tags"] = tags
		}
		out = append(out, item)
	}
	return out
}

// plainValue widens decoded values to types structpb accepts.
func plainValue(v any) any {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case int16:
		return int64(x)
	case uint8:
		return int64(x)
	default:
		return v
	}
}

func stringField(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func timeField(req *structpb.Struct, key string) (*time.Time, error) {
	v := stringField(req, key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	t = t.UTC()
	return &t, nil
}

func tagsField(req *structpb.Struct, key string) (map[string]string, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil, nil
	}
	st := v.GetStructValue()
	if st == nil {
		return nil, fmt.Errorf("invalid %s: want an object", key)
	}
	out := make(map[string]string, len(st.GetFields()))
	for k, tv := range st.GetFields() {
		s, ok := tv.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("invalid %s.%s: want a string", key, k)
		}
		out[k] = s.StringValue
	}
	return out, nil
}

func intField(req *structpb.Struct, key string) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("invalid %s %v", key, n)
	}
	return int(n), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
