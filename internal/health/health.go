package health

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe is satisfied by *pkgkafka.KafkaConsumer.
type Probe interface {
	Ready() bool
}

// Server exposes the standard gRPC health service. Every probe is reported
// as its own service, and the empty service name is SERVING only when all
// probes are.
type Server struct {
	hs       *health.Server
	probes   map[string]Probe
	interval time.Duration
}

func NewServer(probes map[string]Probe, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		hs:       health.NewServer(),
		probes:   probes,
		interval: interval,
	}
	s.Refresh()
	return s
}

func (s *Server) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range s.names() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if s.probes[name].Ready() {
			status = healthpb.HealthCheckResponse_SERVING
		} else {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.hs.SetServingStatus(name, status)
	}
	s.hs.SetServingStatus("", overall)
}

func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Listen serves the health service on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, s.hs)
	logrus.WithField("ADDR", addr).Info("Registered GRPC health server")

	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.hs.Shutdown()
		server.GracefulStop()
	}()
	return server.Serve(l)
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

func (s *Server) names() []string {
	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
