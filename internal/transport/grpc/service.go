package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the poller status service.
//
// The contract lives in proto/meterpoller/v1/poller.proto. Its messages are
// well-known types, so no generated code is needed: requests and responses
// are google.protobuf.Struct, except for the parameterless calls which take
// google.protobuf.Empty.
const ServiceName = "meterpoller.v1.PollerService"

const (
	methodListJobs     = "/" + ServiceName + "/ListJobs"
	methodListSessions = "/" + ServiceName + "/ListSessions"
	methodPreviewTable = "/" + ServiceName + "/PreviewTable"
	methodListReadings = "/" + ServiceName + "/ListReadings"
	methodReconnect    = "/" + ServiceName + "/ReconnectSession"
)

// PollerServiceServer is the server API for the poller status service.
type PollerServiceServer interface {
	ListJobs(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	PreviewTable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReadings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReconnectSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPollerServiceServer registers srv with s.
func RegisterPollerServiceServer(s grpc.ServiceRegistrar, srv PollerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PollerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListJobs", Handler: emptyHandler(methodListJobs, PollerServiceServer.ListJobs)},
		{MethodName: "ListSessions", Handler: emptyHandler(methodListSessions, PollerServiceServer.ListSessions)},
		{MethodName: "PreviewTable", Handler: structHandler(methodPreviewTable, PollerServiceServer.PreviewTable)},
		{MethodName: "ListReadings", Handler: structHandler(methodListReadings, PollerServiceServer.ListReadings)},
		{MethodName: "ReconnectSession", Handler: structHandler(methodReconnect, PollerServiceServer.ReconnectSession)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meterpoller/v1/poller.proto",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func emptyHandler(fullMethod string, call func(PollerServiceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PollerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(PollerServiceServer), ctx, req.(*emptypb.Empty))
		})
	}
}

func structHandler(fullMethod string, call func(PollerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PollerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(PollerServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

// Client calls the poller status service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) ListJobs(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListJobs, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListSessions, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PreviewTable(ctx context.Context, table string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"table": table})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPreviewTable, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadingsRequest selects readings for ListReadings. Times are RFC 3339;
// empty fields are omitted.
type ReadingsRequest struct {
	Table     string
	Tags      map[string]string
	Start     string
	End       string
	PageSize  int
	PageToken string
}

func (c *Client) ListReadings(ctx context.Context, req ReadingsRequest, opts ...grpc.CallOption) (*structpb.Struct, error) {
	fields := map[string]any{}
	if req.Table != "" {
		fields["table"] = req.Table
	}
	if len(req.Tags) > 0 {
		tags := make(map[string]any, len(req.Tags))
		for k, v := range req.Tags {
			tags[k] = v
		}
		fields["tags"] = tags
	}
	if req.Start != "" {
		fields["start"] = req.Start
	}
	if req.End != "" {
		fields["end"] = req.End
	}
	if req.PageSize != 0 {
		fields["page_size"] = req.PageSize
	}
	if req.PageToken != "" {
		fields["page_token"] = req.PageToken
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListReadings, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReconnectSession(ctx context.Context, meter string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"meter": meter})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodReconnect, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
