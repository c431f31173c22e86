package oracle

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthRetryInterval = 5 * time.Second

// HealthWatcher tracks the serving status of a remote oracle endpoint via the
// standard gRPC health service. The coordinator uses it for observability
// only: an unhealthy oracle is logged, never used to reject submissions,
// since pending requests have unbounded lifetime anyway.
type HealthWatcher struct {
	logger *zap.Logger
	conn   *grpc.ClientConn
	client healthpb.HealthClient

	mu     sync.RWMutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewHealthWatcher dials the oracle endpoint. Extra dial options are appended
// after the default insecure transport credentials (tests pass bufconn
// dialers through opts).
func NewHealthWatcher(target string, logger *zap.Logger, opts ...grpc.DialOption) (*HealthWatcher, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}

	return &HealthWatcher{
		logger: logger,
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN,
	}, nil
}

// Run watches the health stream until ctx is canceled, reconnecting with a
// fixed backoff when the stream breaks.
func (w *HealthWatcher) Run(ctx context.Context) error {
	for {
		if err := w.watchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("oracle health stream broken", zap.Error(err))
			w.setStatus(healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthRetryInterval):
		}
	}
}

func (w *HealthWatcher) watchOnce(ctx context.Context) error {
	stream, err := w.client.Watch(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("health stream closed by oracle")
			}
			return err
		}
		w.setStatus(resp.GetStatus())
	}
}

func (w *HealthWatcher) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	w.mu.Lock()
	prev := w.status
	w.status = status
	w.mu.Unlock()

	if prev != status {
		w.logger.Info("oracle health status changed",
			zap.String("from", prev.String()),
			zap.String("to", status.String()),
		)
	}
}

// Status returns the last observed serving status.
func (w *HealthWatcher) Status() healthpb.HealthCheckResponse_ServingStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Healthy reports whether the oracle was last seen SERVING.
func (w *HealthWatcher) Healthy() bool {
	return w.Status() == healthpb.HealthCheckResponse_SERVING
}

// Close tears down the client connection.
func (w *HealthWatcher) Close() error {
	return w.conn.Close()
}
