package stepd

import (
	"errors"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported on the gRPC health endpoint.
// It is SERVING once the message port is bound and NOT_SERVING after
// Shutdown.
const HealthService = "stepd"

const healthServing = healthpb.HealthCheckResponse_SERVING

// ServeHealth serves the gRPC health checking protocol on lis until
// Shutdown.
func (d *Daemon) ServeHealth(lis net.Listener) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, d.health)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		lis.Close()
		return ErrClosed
	}
	d.grpc = s
	d.mu.Unlock()

	d.logger.Info("health endpoint listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
