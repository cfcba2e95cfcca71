package services

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"fuzzbench.harness/internal/adapters/repository/fsstore"
	"fuzzbench.harness/internal/core/ports"
)

func TestHealthService(t *testing.T) {
	present := fsstore.New(t.TempDir())
	absent := fsstore.New(filepath.Join(t.TempDir(), "gone"))

	tests := []struct {
		name       string
		stores     []ports.ResultReader
		redis      *redis.Client
		wantStatus HealthStatus
		wantCode   int
	}{
		{"store present", []ports.ResultReader{present}, nil, HealthStatusHealthy, http.StatusOK},
		{"store missing", []ports.ResultReader{present, absent}, nil, HealthStatusUnhealthy, http.StatusServiceUnavailable},
		{
			name:       "mirror unreachable",
			stores:     []ports.ResultReader{present},
			redis:      redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}),
			wantStatus: HealthStatusDegraded,
			wantCode:   http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewHealthService(tt.stores, nil, tt.redis, "")
			report := svc.CheckHealth(context.Background())
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, "0.0.1", report.Version)
			_, code := svc.SimpleHealthCheck(context.Background())
			assert.Equal(t, tt.wantCode, code)
			if tt.redis != nil {
				assert.Equal(t, HealthStatusUnhealthy, report.Components["redis"].Status)
				tt.redis.Close()
			}
		})
	}
}
