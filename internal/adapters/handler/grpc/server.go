package grpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/logger"
	"fuzzbench.harness/internal/core/services"
	"fuzzbench.harness/internal/core/tracing"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// Server implements the Results service over the aggregator and, as an
// outcome sink, feeds WatchOutcomes streams.
type Server struct {
	agg      *services.Aggregator
	token    string
	watchers *WatcherManager
}

// NewServer builds the service. An empty token disables authentication.
func NewServer(agg *services.Aggregator, token string) *Server {
	return &Server{
		agg:      agg,
		token:    token,
		watchers: NewWatcherManager(),
	}
}

func (s *Server) Watchers() *WatcherManager {
	return s.watchers
}

func (s *Server) GetSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.agg.Report(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

func (s *Server) ListOutcomes(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	reader, err := s.agg.Reader(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	outcomes, skipped, err := reader.ListOutcomes()
	if err != nil {
		return nil, toStatus(err)
	}
	if len(skipped) > 0 {
		logger.WarnContext(ctx, "Skipped unreadable outcome records", "store", reader.Root(), "count", len(skipped))
	}
	if outcomes == nil {
		outcomes = []*domain.JobOutcome{}
	}
	return toList(outcomes)
}

// GetOutcome returns the first record with the job id across the served
// stores.
func (s *Server) GetOutcome(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	jobID := req.GetValue()
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	for _, r := range s.agg.Readers() {
		o, err := r.ReadOutcome(jobID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(o)
	}
	return nil, status.Errorf(codes.NotFound, "no outcome for job %q", jobID)
}

func (s *Server) WatchOutcomes(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id := uuid.NewString()
	addr := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}

	ch := s.watchers.Register(id, addr)
	defer s.watchers.Unregister(id)
	logger.Info("Outcome watcher connected", "watcher", id, "peer", addr)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Outcome watcher disconnected", "watcher", id)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(msg); err != nil {
				logger.Warn("Failed to send outcome to watcher", "watcher", id, "error", err)
				return err
			}
		}
	}
}

func (s *Server) Name() string { return "grpc" }

// Publish hands the outcome to every open watcher. It never blocks the run.
func (s *Server) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	if s.watchers.Count() == 0 {
		return nil
	}
	msg, err := outcomeStruct(run, o)
	if err != nil {
		return err
	}
	s.watchers.Broadcast(msg)
	return nil
}

func (s *Server) authorize(ctx context.Context, method string) error {
	if s.token == "" || strings.HasPrefix(method, healthServicePrefix) {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid or missing token")
	}
	tokens := md.Get("token")
	if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(s.token)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid or missing token")
	}
	return nil
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.authorize(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	ctx, span := tracing.Get().Start(ctx, info.FullMethod, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.system", "grpc")))
	defer span.End()

	resp, err := handler(ctx, req)
	if err != nil {
		span.SetStatus(otelcodes.Error, status.Code(err).String())
	}
	return resp, err
}

func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorize(ss.Context(), info.FullMethod); err != nil {
		return err
	}
	return handler(srv, ss)
}

// NewGRPCServer returns a grpc.Server with the Results and health services
// registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.unaryInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
	)
	gs := grpc.NewServer(opts...)
	RegisterResultsServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// Serve runs the gRPC server on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC report server listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down gRPC server")
		gs.GracefulStop()
		return <-errCh
	}
}

func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form so clients see the same field
// names as the files on disk.
func toStruct(v any) (*structpb.Struct, error) {
	var m map[string]any
	if err := roundTrip(v, &m); err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toList(v any) (*structpb.ListValue, error) {
	var items []any
	if err := roundTrip(v, &items); err != nil {
		return nil, err
	}
	out, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func outcomeStruct(run *domain.RunMeta, o *domain.JobOutcome) (*structpb.Struct, error) {
	var m map[string]any
	if err := roundTrip(o, &m); err != nil {
		return nil, err
	}
	if run != nil {
		m["benchmark_set"] = run.BenchmarkSet
	}
	return structpb.NewStruct(m)
}

func roundTrip(v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}
