// Package health serves the standard gRPC health protocol for the sensor.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Service is the name clients ask about. The empty name reports the same
// status.
const Service = "presence.Sensor"

// Probe reports whether the sensor is producing results.
type Probe interface {
	IsInitialized() bool
}

// Server wraps a grpc server with a health service tracking a Probe.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	probe    Probe
	clock    timeutil.Clock
	interval time.Duration

	serving bool
	known   bool
}

// NewServer registers health and reflection on a new grpc server. The
// status starts NOT_SERVING until the first Refresh.
func NewServer(probe Probe, clock timeutil.Clock, interval time.Duration) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		probe:    probe,
		clock:    clock,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

// Refresh copies the probe result into the health service and logs
// transitions.
func (s *Server) Refresh() {
	ok := s.probe.IsInitialized()
	if s.known && ok == s.serving {
		return
	}
	s.known, s.serving = true, ok
	if ok {
		s.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	monitoring.Logf("health: serving=%v", ok)
}

// Serve refreshes on the interval and serves lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.grpc.Serve(lis) }()

	s.Refresh()
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		case err := <-errc:
			return fmt.Errorf("grpc serve: %w", err)
		case <-t.C():
			s.Refresh()
		}
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	monitoring.Logf("health: gRPC listening on %s", lis.Addr())
	return s.Serve(ctx, lis)
}
