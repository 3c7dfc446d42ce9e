package federation

import (
	"context"
	"sync"
	"time"

	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Client calls federation servers. It satisfies coop.Evaluator.
type Client struct {
	pool      *ConnectionPool
	resilient *ResilientClient
	logger    *zap.Logger
}

// NewClient creates a client with its own connection pool.
func NewClient(cfg PoolConfig, m *metrics.OverlayMetrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	pool := NewConnectionPool(cfg, m, logger)
	return &Client{
		pool:      pool,
		resilient: NewResilientClient(pool, m, logger),
		logger:    logger,
	}
}

// Resilient exposes the retry settings.
func (c *Client) Resilient() *ResilientClient {
	return c.resilient
}

// Pool exposes the connection pool.
func (c *Client) Pool() *ConnectionPool {
	return c.pool
}

// Evaluate requests one partial evaluation from server.
func (c *Client) Evaluate(ctx context.Context, server types.FederationServer, req *types.OPRFRequest) (*types.OPRFShare, error) {
	share := new(types.OPRFShare)
	err := c.resilient.CallWithRetry(ctx, server, "evaluate", func(ctx context.Context, conn *grpc.ClientConn) error {
		return conn.Invoke(ctx, methodEvaluate, req, share)
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

// Ping returns the clock of server.
func (c *Client) Ping(ctx context.Context, server types.FederationServer) (time.Time, error) {
	ts := new(timestamppb.Timestamp)
	err := c.resilient.CallWithRetry(ctx, server, "ping", func(ctx context.Context, conn *grpc.ClientConn) error {
		return conn.Invoke(ctx, methodPing, &emptypb.Empty{}, ts)
	})
	if err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

// Probe pings every server in parallel and returns them with Available set
// from the result. Each ping is bounded by timeout.
func (c *Client) Probe(ctx context.Context, servers []types.FederationServer, timeout time.Duration) []types.FederationServer {
	out := make([]types.FederationServer, len(servers))
	copy(out, servers)

	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			_, err := c.Ping(pingCtx, out[i])
			out[i].Available = err == nil
			if err != nil {
				c.logger.Debug("Federation server unreachable",
					zap.String("server", string(out[i].ServerID)),
					zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	return out
}

// Close closes all pooled connections.
func (c *Client) Close() error {
	return c.pool.Close()
}
