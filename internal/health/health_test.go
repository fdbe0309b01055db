package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type flagProbe struct {
	ready atomic.Bool
}

func (p *flagProbe) Ready() bool { return p.ready.Load() }

func TestServingOnlyWhenAllProbesReady(t *testing.T) {
	ctx := context.Background()
	inv, prod := &flagProbe{}, &flagProbe{}
	s := NewServer(map[string]Probe{"inventory.update": inv, "product.update": prod}, time.Hour)

	status, err := s.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	inv.ready.Store(true)
	s.Refresh()
	status, err = s.Check(ctx, "inventory.update")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
	status, err = s.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	prod.ready.Store(true)
	s.Refresh()
	status, err = s.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}

func TestUnknownService(t *testing.T) {
	s := NewServer(map[string]Probe{}, time.Hour)
	_, err := s.Check(context.Background(), "nope")
	assert.Error(t, err)

	status, err := s.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)
}
