package federation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"overlay/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func idleConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///unused", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create client conn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// Test retry logic with exponential backoff
func TestResilientClient_RetryWithBackoff(t *testing.T) {
	logger := zap.NewNop()
	pool := NewConnectionPool(DefaultPoolConfig(), nil, logger)
	defer pool.Close()

	client := NewResilientClient(pool, nil, logger)
	client.ConfigureRetry(3, 10*time.Millisecond, 100*time.Millisecond)

	attemptCount := int32(0)

	// Fails twice, then succeeds
	fn := func(ctx context.Context, conn *grpc.ClientConn) error {
		attempt := atomic.AddInt32(&attemptCount, 1)
		if attempt < 3 {
			return status.Error(codes.Unavailable, "service unavailable")
		}
		return nil
	}

	start := time.Now()
	err := client.retryOperation(context.Background(), idleConn(t), "fed-0", "test-op", fn)
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("Expected success after retries, got error: %v", err)
	}
	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}

	// 10ms + 20ms of backoff, minus up to 20% jitter
	minExpectedDelay := 24 * time.Millisecond
	if elapsed < minExpectedDelay {
		t.Errorf("Expected at least %v delay, got %v", minExpectedDelay, elapsed)
	}
	if got := testutil.ToFloat64(client.metrics.RetryAttempts); got != 2 {
		t.Errorf("Expected 2 retry attempts recorded, got %v", got)
	}
}

// Test non-retryable errors
func TestResilientClient_NonRetryableError(t *testing.T) {
	logger := zap.NewNop()
	pool := NewConnectionPool(DefaultPoolConfig(), nil, logger)
	defer pool.Close()

	client := NewResilientClient(pool, nil, logger)

	attemptCount := int32(0)
	fn := func(ctx context.Context, conn *grpc.ClientConn) error {
		atomic.AddInt32(&attemptCount, 1)
		return status.Error(codes.PermissionDenied, "insufficient proof of work")
	}

	err := client.retryOperation(context.Background(), idleConn(t), "fed-0", "test-op", fn)
	if err == nil {
		t.Error("Expected error for non-retryable error")
	}
	if attemptCount != 1 {
		t.Errorf("Expected 1 attempt for non-retryable error, got %d", attemptCount)
	}
}

func TestResilientClient_ContextCancelled(t *testing.T) {
	pool := NewConnectionPool(DefaultPoolConfig(), nil, nil)
	defer pool.Close()

	client := NewResilientClient(pool, nil, nil)
	client.ConfigureRetry(5, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, conn *grpc.ClientConn) error {
		cancel()
		return status.Error(codes.Unavailable, "down")
	}

	start := time.Now()
	err := client.retryOperation(ctx, idleConn(t), "fed-0", "test-op", fn)
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Cancellation should interrupt the backoff sleep")
	}
}

// Test circuit breaker
func TestConnectionPool_CircuitBreaker(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.CircuitCooldown = 50 * time.Millisecond
	pool := NewConnectionPool(cfg, nil, zap.NewNop())
	defer pool.Close()

	server := types.FederationServer{ServerID: "fed-0", Endpoint: "passthrough:///fed-0"}
	if _, err := pool.GetConnection(server); err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}

	pool.MarkFailure("fed-0")
	pool.MarkFailure("fed-0")
	if pool.CircuitState("fed-0") != CircuitClosed {
		t.Error("Circuit breaker should stay closed below the threshold")
	}

	pool.MarkFailure("fed-0")
	if pool.CircuitState("fed-0") != CircuitOpen {
		t.Error("Circuit breaker should be open after 3 failures")
	}
	if got := testutil.ToFloat64(pool.metrics.CircuitBreakerOpens); got != 1 {
		t.Errorf("Expected 1 circuit open recorded, got %v", got)
	}

	if _, err := pool.GetConnection(server); err == nil {
		t.Error("GetConnection should fail fast while the circuit is open")
	}

	time.Sleep(80 * time.Millisecond)
	if pool.CircuitState("fed-0") != CircuitHalfOpen {
		t.Error("Circuit breaker should be half-open after the cooldown")
	}

	pool.MarkSuccess("fed-0")
	if pool.CircuitState("fed-0") != CircuitClosed {
		t.Error("Success should close the circuit")
	}
}

// Test connection pool maintenance
func TestConnectionPool_Maintenance(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	pool := NewConnectionPool(cfg, nil, zap.NewNop())
	defer pool.Close()

	pooled := &PooledConnection{
		conn:     idleConn(t),
		serverID: "fed-0",
		created:  time.Now().Add(-1 * time.Hour),
		lastUsed: time.Now().Add(-1 * time.Hour),
	}

	pool.mu.Lock()
	pool.connections["fed-0"] = pooled
	pool.mu.Unlock()

	pool.performMaintenance()

	pool.mu.RLock()
	_, exists := pool.connections["fed-0"]
	pool.mu.RUnlock()

	if exists {
		t.Error("Idle connection should have been removed")
	}
}

func TestConnectionPool_Statistics(t *testing.T) {
	pool := NewConnectionPool(DefaultPoolConfig(), nil, zap.NewNop())
	defer pool.Close()

	for _, id := range []types.ServerID{"fed-0", "fed-1"} {
		if _, err := pool.GetConnection(types.FederationServer{ServerID: id, Endpoint: "passthrough:///" + string(id)}); err != nil {
			t.Fatalf("GetConnection failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		pool.MarkFailure("fed-1")
	}

	stats := pool.Statistics()
	if stats.Connections != 2 {
		t.Errorf("Expected 2 connections, got %d", stats.Connections)
	}
	if stats.Healthy != 1 {
		t.Errorf("Expected 1 healthy connection, got %d", stats.Healthy)
	}
	if stats.CircuitOpen != 1 {
		t.Errorf("Expected 1 open circuit, got %d", stats.CircuitOpen)
	}
}

// Test backoff calculation
func TestResilientClient_BackoffCalculation(t *testing.T) {
	client := &ResilientClient{
		baseDelay:    100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}

	delays := []time.Duration{}
	for i := 0; i < 5; i++ {
		delay := client.calculateBackoff(i)
		delays = append(delays, delay)

		// Max delay plus jitter
		if delay > client.maxDelay+client.maxDelay/5 {
			t.Errorf("Delay %v exceeds max delay %v", delay, client.maxDelay)
		}
	}

	for i := 1; i < len(delays)-1; i++ {
		ratio := float64(delays[i]) / float64(delays[i-1])
		// Roughly 2.0, 20% jitter either side
		if ratio < 1.3 || ratio > 3.1 {
			t.Errorf("Unexpected backoff ratio %f at iteration %d", ratio, i)
		}
	}
}

func TestResilientClient_IsRetryable(t *testing.T) {
	client := &ResilientClient{}

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{status.Error(codes.Unavailable, ""), true},
		{status.Error(codes.DeadlineExceeded, ""), true},
		{status.Error(codes.Internal, ""), true},
		{status.Error(codes.InvalidArgument, ""), false},
		{status.Error(codes.AlreadyExists, ""), false},
		{status.Error(codes.Unauthenticated, ""), false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := client.isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
