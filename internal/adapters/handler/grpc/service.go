package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The Results service is built from well-known types only, so it needs no
// generated code. Records travel as the JSON shape of the on-disk files.
const (
	ServiceName = "fuzzbench.v1.Results"

	getSummaryMethod    = "/" + ServiceName + "/GetSummary"
	listOutcomesMethod  = "/" + ServiceName + "/ListOutcomes"
	getOutcomeMethod    = "/" + ServiceName + "/GetOutcome"
	watchOutcomesMethod = "/" + ServiceName + "/WatchOutcomes"
)

// ResultsServer is the server API for the Results service.
type ResultsServer interface {
	// GetSummary returns the aggregated report of every served store.
	GetSummary(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListOutcomes lists the records of one store, selected by run id or
	// directory name. An empty value selects the first store.
	ListOutcomes(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	GetOutcome(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// WatchOutcomes streams outcomes as live runs record them.
	WatchOutcomes(*emptypb.Empty, grpc.ServerStream) error
}

var ResultsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResultsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSummary", Handler: getSummaryHandler},
		{MethodName: "ListOutcomes", Handler: listOutcomesHandler},
		{MethodName: "GetOutcome", Handler: getOutcomeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchOutcomes", Handler: watchOutcomesHandler, ServerStreams: true},
	},
	Metadata: "fuzzbench/v1/results",
}

func RegisterResultsServer(s grpc.ServiceRegistrar, srv ResultsServer) {
	s.RegisterService(&ResultsServiceDesc, srv)
}

func getSummaryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResultsServer).GetSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getSummaryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResultsServer).GetSummary(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listOutcomesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResultsServer).ListOutcomes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listOutcomesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResultsServer).ListOutcomes(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getOutcomeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResultsServer).GetOutcome(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getOutcomeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResultsServer).GetOutcome(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchOutcomesHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ResultsServer).WatchOutcomes(in, stream)
}

// ResultsClient is the client API for the Results service.
type ResultsClient struct {
	cc grpc.ClientConnInterface
}

func NewResultsClient(cc grpc.ClientConnInterface) *ResultsClient {
	return &ResultsClient{cc: cc}
}

func (c *ResultsClient) GetSummary(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getSummaryMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ResultsClient) ListOutcomes(ctx context.Context, run string, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listOutcomesMethod, wrapperspb.String(run), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ResultsClient) GetOutcome(ctx context.Context, jobID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getOutcomeMethod, wrapperspb.String(jobID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// OutcomeStream receives outcomes from WatchOutcomes.
type OutcomeStream struct {
	grpc.ClientStream
}

func (s *OutcomeStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *ResultsClient) WatchOutcomes(ctx context.Context, opts ...grpc.CallOption) (*OutcomeStream, error) {
	stream, err := c.cc.NewStream(ctx, &ResultsServiceDesc.Streams[0], watchOutcomesMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OutcomeStream{ClientStream: stream}, nil
}
