package federation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ResilientClient provides RPC calls with retry and a circuit breaker
type ResilientClient struct {
	pool    *ConnectionPool
	metrics *metrics.OverlayMetrics
	logger  *zap.Logger

	// Retry configuration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context, conn *grpc.ClientConn) error

// NewResilientClient creates a new resilient client
func NewResilientClient(pool *ConnectionPool, m *metrics.OverlayMetrics, logger *zap.Logger) *ResilientClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &ResilientClient{
		pool:         pool,
		metrics:      m,
		logger:       logger,
		maxRetries:   3,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     2 * time.Second,
		jitterFactor: 0.2,
	}
}

// ConfigureRetry sets retry parameters
func (rc *ResilientClient) ConfigureRetry(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	rc.maxRetries = maxRetries
	rc.baseDelay = baseDelay
	rc.maxDelay = maxDelay
}

// CallWithRetry runs fn against server, retrying retryable failures with
// exponential backoff. Exhausted retries count towards the server's
// circuit breaker.
func (rc *ResilientClient) CallWithRetry(ctx context.Context, server types.FederationServer, operation string, fn RetryableFunc) error {
	conn, err := rc.pool.GetConnection(server)
	if err != nil {
		return err
	}

	err = rc.retryOperation(ctx, conn, server.ServerID, operation, fn)
	switch {
	case err == nil:
		rc.pool.MarkSuccess(server.ServerID)
		return nil
	case errors.Is(err, context.Canceled):
		// The caller gave up; that says nothing about the server.
		return err
	case rc.isRetryableError(err):
		rc.pool.MarkFailure(server.ServerID)
		return fmt.Errorf("%s failed on %s: %w", operation, server.ServerID, err)
	default:
		// The server answered; it is healthy even if it said no.
		rc.pool.MarkSuccess(server.ServerID)
		return err
	}
}

// retryOperation performs the operation with exponential backoff retry
func (rc *ResilientClient) retryOperation(
	ctx context.Context,
	conn *grpc.ClientConn,
	id types.ServerID,
	operation string,
	fn RetryableFunc,
) error {
	var lastErr error

	for attempt := 0; attempt < rc.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx, conn)
		if err == nil {
			return nil
		}

		if !rc.isRetryableError(err) {
			return err
		}

		lastErr = err

		rc.logger.Debug("Operation failed, retrying",
			zap.String("server", string(id)),
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < rc.maxRetries-1 {
			rc.metrics.RetryAttempts.Inc()
			delay := rc.calculateBackoff(attempt)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// calculateBackoff calculates the exponential backoff delay with jitter
func (rc *ResilientClient) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: baseDelay * 2^attempt
	delay := float64(rc.baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(rc.maxDelay) {
		delay = float64(rc.maxDelay)
	}

	// Add jitter (±jitterFactor)
	jitter := delay * rc.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(rc.baseDelay)
	}

	return time.Duration(delay)
}

// isRetryableError determines if an error should trigger a retry
func (rc *ResilientClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, consider it retryable
		return true
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal:
		return true
	case codes.Unknown:
		// Sometimes network errors come as Unknown
		return true
	default:
		// Non-retryable errors (InvalidArgument, PermissionDenied, AlreadyExists, etc.)
		return false
	}
}
