package grpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/core/domain"
	"fuzzbench.harness/internal/core/services"
)

func seedStore(t *testing.T) *fsstore.Store {
	t.Helper()
	store := fsstore.New(filepath.Join(t.TempDir(), "run-a"))
	require.NoError(t, store.Init())
	require.NoError(t, store.WriteRun(&domain.RunMeta{RunID: "r1", BenchmarkSet: "erc20", JobIDs: []string{"alpha", "beta"}}))
	require.NoError(t, store.WriteOutcome(&domain.JobOutcome{RunID: "r1", JobID: "alpha", Status: domain.JobStatusCompleted}))
	require.NoError(t, store.WriteOutcome(&domain.JobOutcome{RunID: "r1", JobID: "beta", Status: domain.JobStatusTimedOut}))
	return store
}

func startServer(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func TestResultsUnary(t *testing.T) {
	srv := NewServer(services.NewAggregator(seedStore(t)), "")
	client := NewResultsClient(startServer(t, srv))
	ctx := context.Background()

	summary, err := client.GetSummary(ctx)
	require.NoError(t, err)
	sets := summary.Fields["sets"].GetListValue().GetValues()
	require.Len(t, sets, 1)
	set := sets[0].GetStructValue()
	assert.Equal(t, "erc20", set.Fields["benchmark_set"].GetStringValue())
	run := set.Fields["runs"].GetListValue().GetValues()[0].GetStructValue()
	assert.Equal(t, 2.0, run.Fields["recorded"].GetNumberValue())

	list, err := client.ListOutcomes(ctx, "")
	require.NoError(t, err)
	require.Len(t, list.Values, 2)
	assert.Equal(t, "alpha", list.Values[0].GetStructValue().Fields["job_id"].GetStringValue())

	list, err = client.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list.Values, 2)

	outcome, err := client.GetOutcome(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, string(domain.JobStatusTimedOut), outcome.Fields["status"].GetStringValue())

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"unknown job", func() error { _, err := client.GetOutcome(ctx, "nope"); return err }, codes.NotFound},
		{"empty job id", func() error { _, err := client.GetOutcome(ctx, ""); return err }, codes.InvalidArgument},
		{"unknown run", func() error { _, err := client.ListOutcomes(ctx, "r9"); return err }, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(tt.call()))
		})
	}
}

func TestResultsAuth(t *testing.T) {
	srv := NewServer(services.NewAggregator(seedStore(t)), "secret")
	conn := startServer(t, srv)
	client := NewResultsClient(conn)

	_, err := client.GetSummary(context.Background())
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), "token", "guess")
	_, err = client.GetSummary(bad)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	good := metadata.AppendToOutgoingContext(context.Background(), "token", "secret")
	_, err = client.GetSummary(good)
	assert.NoError(t, err)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestWatchOutcomes(t *testing.T) {
	srv := NewServer(services.NewAggregator(seedStore(t)), "")
	client := NewResultsClient(startServer(t, srv))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.WatchOutcomes(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.Watchers().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	run := &domain.RunMeta{RunID: "r1", BenchmarkSet: "erc20"}
	require.NoError(t, srv.Publish(ctx, run, &domain.JobOutcome{RunID: "r1", JobID: "gamma", Status: domain.JobStatusCrashed}))

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "gamma", msg.Fields["job_id"].GetStringValue())
	assert.Equal(t, "erc20", msg.Fields["benchmark_set"].GetStringValue())
	assert.Equal(t, string(domain.JobStatusCrashed), msg.Fields["status"].GetStringValue())

	cancel()
	require.Eventually(t, func() bool { return srv.Watchers().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherManagerDropsWhenFull(t *testing.T) {
	wm := NewWatcherManager()
	ch := wm.Register("w1", "peer")
	msg, err := structpb.NewStruct(map[string]any{"job_id": "x"})
	require.NoError(t, err)

	for i := 0; i < watcherBuffer; i++ {
		assert.Equal(t, 1, wm.Broadcast(msg))
	}
	assert.Equal(t, 0, wm.Broadcast(msg))

	info, ok := wm.Get("w1")
	require.True(t, ok)
	assert.Equal(t, watcherBuffer, info.Sent)
	assert.Equal(t, 1, info.Dropped)
	assert.Equal(t, "peer", info.Peer)

	wm.Unregister("w1")
	assert.Equal(t, 0, wm.Count())
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, watcherBuffer, n)

	// publishing with no watchers is a no-op
	srv := NewServer(services.NewAggregator(), "")
	assert.NoError(t, srv.Publish(context.Background(), nil, &domain.JobOutcome{JobID: "x"}))
	assert.Equal(t, "grpc", srv.Name())
}
