package federation

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"overlay/pkg/metrics"
	"overlay/pkg/types"
	"overlay/pkg/wire"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned while a server's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// PoolConfig tunes a ConnectionPool.
type PoolConfig struct {
	// TLS enables transport security; nil dials in plaintext.
	TLS *tls.Config
	// DialOptions are appended to the pool's own options.
	DialOptions []grpc.DialOption

	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	FailureThreshold    int
	CircuitCooldown     time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
		CircuitCooldown:     30 * time.Second,
	}
}

// ConnectionPool manages one gRPC connection per federation server
type ConnectionPool struct {
	mu          sync.RWMutex
	connections map[types.ServerID]*PooledConnection
	cfg         PoolConfig
	metrics     *metrics.OverlayMetrics
	logger      *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// PooledConnection wraps a gRPC connection with metadata
type PooledConnection struct {
	conn     *grpc.ClientConn
	serverID types.ServerID
	endpoint string
	created  time.Time
	lastUsed time.Time
	useCount int64
	mu       sync.RWMutex

	// Circuit breaker state
	failures     int
	lastFailure  time.Time
	circuitState CircuitState
}

// CircuitState represents the circuit breaker state
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewConnectionPool creates a pool and starts its maintenance loop.
func NewConnectionPool(cfg PoolConfig, m *metrics.OverlayMetrics, logger *zap.Logger) *ConnectionPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	def := DefaultPoolConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = def.CircuitCooldown
	}

	cp := &ConnectionPool{
		connections: make(map[types.ServerID]*PooledConnection),
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go cp.maintainConnections()

	return cp
}

// GetConnection returns the pooled connection to server, dialing it on
// first use. It fails fast while the server's circuit is open.
func (cp *ConnectionPool) GetConnection(server types.FederationServer) (*grpc.ClientConn, error) {
	cp.mu.RLock()
	pooled, exists := cp.connections[server.ServerID]
	cp.mu.RUnlock()

	if exists && pooled.endpoint == server.Endpoint {
		if pooled.circuit(cp.cfg.CircuitCooldown) == CircuitOpen {
			return nil, fmt.Errorf("%s: %w", server.ServerID, ErrCircuitOpen)
		}
		if pooled.isUsable() {
			pooled.recordUse()
			return pooled.conn, nil
		}
	}

	return cp.createConnection(server)
}

func (cp *ConnectionPool) createConnection(server types.FederationServer) (*grpc.ClientConn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	// Check again after acquiring write lock
	if pooled, exists := cp.connections[server.ServerID]; exists {
		if pooled.endpoint == server.Endpoint && pooled.isUsable() {
			pooled.recordUse()
			return pooled.conn, nil
		}
		pooled.conn.Close()
		delete(cp.connections, server.ServerID)
	}

	if server.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for %s", server.ServerID)
	}

	conn, err := cp.dial(server.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", server.ServerID, server.Endpoint, err)
	}

	now := time.Now()
	cp.connections[server.ServerID] = &PooledConnection{
		conn:         conn,
		serverID:     server.ServerID,
		endpoint:     server.Endpoint,
		created:      now,
		lastUsed:     now,
		circuitState: CircuitClosed,
	}
	cp.logger.Debug("Created connection to federation server",
		zap.String("server", string(server.ServerID)),
		zap.String("endpoint", server.Endpoint))

	return conn, nil
}

func (cp *ConnectionPool) dial(endpoint string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cp.cfg.TLS != nil {
		creds = credentials.NewTLS(cp.cfg.TLS)
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	opts = append(opts, wire.DialOptions()...)
	opts = append(opts, cp.cfg.DialOptions...)

	return grpc.NewClient(endpoint, opts...)
}

// MarkFailure counts a failed call and opens the circuit once the failure
// threshold is reached.
func (cp *ConnectionPool) MarkFailure(id types.ServerID) {
	cp.mu.RLock()
	pooled, exists := cp.connections[id]
	cp.mu.RUnlock()

	if !exists {
		return
	}

	pooled.mu.Lock()
	defer pooled.mu.Unlock()

	pooled.failures++
	pooled.lastFailure = time.Now()

	if pooled.circuitState != CircuitOpen && pooled.failures >= cp.cfg.FailureThreshold {
		pooled.circuitState = CircuitOpen
		cp.metrics.CircuitBreakerOpens.Inc()
		cp.logger.Warn("Circuit breaker opened for federation server",
			zap.String("server", string(id)),
			zap.Int("failures", pooled.failures))
	}
}

// MarkSuccess resets the failure count and closes the circuit of a server.
func (cp *ConnectionPool) MarkSuccess(id types.ServerID) {
	cp.mu.RLock()
	pooled, exists := cp.connections[id]
	cp.mu.RUnlock()

	if !exists {
		return
	}

	pooled.mu.Lock()
	defer pooled.mu.Unlock()

	pooled.lastUsed = time.Now()
	pooled.failures = 0
	pooled.circuitState = CircuitClosed
}

// CircuitState returns the breaker state of a server.
func (cp *ConnectionPool) CircuitState(id types.ServerID) CircuitState {
	cp.mu.RLock()
	pooled, exists := cp.connections[id]
	cp.mu.RUnlock()

	if !exists {
		return CircuitClosed
	}
	return pooled.circuit(cp.cfg.CircuitCooldown)
}

// maintainConnections performs periodic maintenance
func (cp *ConnectionPool) maintainConnections() {
	ticker := time.NewTicker(cp.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.performMaintenance()

		case <-cp.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle connections
func (cp *ConnectionPool) performMaintenance() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := time.Now()
	for id, pooled := range cp.connections {
		pooled.mu.RLock()
		idle := now.Sub(pooled.lastUsed)
		pooled.mu.RUnlock()

		if idle > cp.cfg.IdleTimeout {
			pooled.conn.Close()
			delete(cp.connections, id)
			cp.logger.Debug("Removed idle connection",
				zap.String("server", string(id)))
		}
	}
}

// PoolStats summarises the pool.
type PoolStats struct {
	Connections int
	Healthy     int
	CircuitOpen int
}

// Statistics returns pool statistics
func (cp *ConnectionPool) Statistics() PoolStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := PoolStats{Connections: len(cp.connections)}
	for _, pooled := range cp.connections {
		if pooled.isUsable() {
			stats.Healthy++
		}
		if pooled.circuit(cp.cfg.CircuitCooldown) == CircuitOpen {
			stats.CircuitOpen++
		}
	}
	return stats
}

// Close closes all connections and stops maintenance
func (cp *ConnectionPool) Close() error {
	cp.closeOnce.Do(func() { close(cp.stopCleanup) })

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, pooled := range cp.connections {
		pooled.conn.Close()
	}
	cp.connections = make(map[types.ServerID]*PooledConnection)
	return nil
}

// circuit returns the breaker state, moving an open breaker to half-open
// once the cooldown has passed.
func (pc *PooledConnection) circuit(cooldown time.Duration) CircuitState {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.circuitState == CircuitOpen && time.Since(pc.lastFailure) > cooldown {
		pc.circuitState = CircuitHalfOpen
		pc.failures = 0
	}
	return pc.circuitState
}

func (pc *PooledConnection) isUsable() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.circuitState == CircuitOpen {
		return false
	}
	return pc.conn.GetState() != connectivity.Shutdown
}

func (pc *PooledConnection) recordUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.lastUsed = time.Now()
	pc.useCount++

	// Success in half-open state moves to closed
	if pc.circuitState == CircuitHalfOpen {
		pc.circuitState = CircuitClosed
		pc.failures = 0
	}
}
