// Package diagnostics exposes the live analysis state over the standard gRPC
// health protocol so supervisors can probe a running posectl.
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose/scheduler"
)

// ServiceName is the health service reporting the live scheduler.
const ServiceName = "pose.live"

var diagf = monitoring.Tagged("Diagnostics")

// StatusFor maps a scheduler status onto a health serving status. Only a
// running scheduler is serving; loading, idle and failed are not.
func StatusFor(s scheduler.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case scheduler.StatusRunning:
		return healthpb.HealthCheckResponse_SERVING
	case scheduler.StatusIdle, scheduler.StatusLoading, scheduler.StatusError:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// Reporter tracks the last observed scheduler status and serves it through
// grpc_health_v1.
type Reporter struct {
	hs *health.Server

	mu   sync.Mutex
	last scheduler.Status

	running  atomic.Bool
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewReporter returns a Reporter that starts out NOT_SERVING.
func NewReporter() *Reporter {
	r := &Reporter{hs: health.NewServer(), last: scheduler.StatusIdle}
	r.hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Observe records out's status. It is safe to use as a scheduler OnOutput
// callback.
func (r *Reporter) Observe(out scheduler.Output) {
	r.mu.Lock()
	changed := out.Status != r.last
	r.last = out.Status
	r.mu.Unlock()
	if !changed {
		return
	}
	st := StatusFor(out.Status)
	r.hs.SetServingStatus(ServiceName, st)
	if out.Status == scheduler.StatusError {
		diagf("live analysis failed: %s", out.Error)
		return
	}
	diagf("live analysis %s (%s)", out.Status, st)
}

// Last returns the most recently observed scheduler status.
func (r *Reporter) Last() scheduler.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Check runs a health check against the in-process server.
func (r *Reporter) Check(ctx context.Context) (*healthpb.HealthCheckResponse, error) {
	return r.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
}

// HealthJSON renders the current health check response as JSON.
func (r *Reporter) HealthJSON(ctx context.Context) ([]byte, error) {
	resp, err := r.Check(ctx)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(resp)
}

// Register adds the health service to s.
func (r *Reporter) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// Start serves the health service on addr until Stop is called.
func (r *Reporter) Start(addr string) error {
	if r.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = lis
	r.server = grpc.NewServer()
	r.Register(r.server)
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		diagf("gRPC health listening on %s", lis.Addr())
		if err := r.server.Serve(lis); err != nil && r.running.Load() {
			diagf("gRPC health server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (r *Reporter) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (r *Reporter) Stop() {
	r.hs.Shutdown()
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	r.server.GracefulStop()
	r.wg.Wait()
	diagf("gRPC health server stopped")
}
