package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"overlay/pkg/auth"
	"overlay/pkg/config"
	"overlay/pkg/coop"
	"overlay/pkg/coordinator"
	"overlay/pkg/federation"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	probeTimeout = 2 * time.Second

	renewalPeriod = 24 * time.Hour
	renewalWindow = 48 * time.Hour
)

func coopConfig(cfg *config.Config) coop.Config {
	c := coop.DefaultConfig()
	c.Threshold = cfg.Coop.Threshold
	c.TotalServers = cfg.Coop.TotalServers
	c.PowDifficulty = cfg.Coop.PowDifficulty
	c.MaxPowAttempts = cfg.Coop.MaxPowAttempts
	c.HandleValidity = cfg.Coop.HandleValidity.Std()
	c.RequestTimeout = cfg.Coop.RequestTimeout.Std()
	return c
}

func federationServers(cfg *config.Config) []types.FederationServer {
	servers := make([]types.FederationServer, 0, len(cfg.Coop.FederationServers))
	for _, s := range cfg.Coop.FederationServers {
		servers = append(servers, types.FederationServer{
			ServerID:  types.ServerID(s.ServerID),
			Endpoint:  s.Endpoint,
			Available: true,
		})
	}
	return servers
}

// tlsConfigs builds the server and client TLS settings. Both are nil when
// TLS is disabled.
func tlsConfigs(cfg *config.Config) (server, client *tls.Config, err error) {
	builder, err := auth.NewTLSConfigBuilder(cfg.TLS)
	if err != nil {
		return nil, nil, err
	}
	if server, err = builder.BuildServerConfig(); err != nil {
		return nil, nil, err
	}
	if client, err = builder.BuildClientConfig(); err != nil {
		return nil, nil, err
	}
	return server, client, nil
}

func serverOptions(serverTLS *tls.Config) []grpc.ServerOption {
	if serverTLS == nil {
		return nil
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(serverTLS))}
}

func newFederationClient(cfg *config.Config, m *metrics.OverlayMetrics, logger *zap.Logger) (*federation.Client, error) {
	_, clientTLS, err := tlsConfigs(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	poolCfg := federation.DefaultPoolConfig()
	poolCfg.TLS = clientTLS
	return federation.NewClient(poolCfg, m, logger), nil
}

// newDeriver wires a deriver to a federation client for the configured
// servers. The caller closes the client.
func newDeriver(cfg *config.Config, coord *coordinator.Coordinator, m *metrics.OverlayMetrics, logger *zap.Logger) (*coop.Deriver, *federation.Client, error) {
	client, err := newFederationClient(cfg, m, logger)
	if err != nil {
		return nil, nil, err
	}
	deriver := coop.NewDeriver(coord, client, coopConfig(cfg), m, logger)
	deriver.SetFederationServers(federationServers(cfg))
	return deriver, client, nil
}

// refreshAvailability pings the configured servers and records which ones
// answered.
func refreshAvailability(ctx context.Context, cfg *config.Config, deriver *coop.Deriver, client *federation.Client, logger *zap.Logger) {
	servers := federationServers(cfg)
	if len(servers) == 0 {
		return
	}

	probed := client.Probe(ctx, servers, probeTimeout)
	available := 0
	for _, s := range probed {
		deriver.SetServerAvailability(s.ServerID, s.Available)
		if s.Available {
			available++
		}
	}

	logger.Debug("Federation availability refreshed",
		zap.Int("available", available),
		zap.Int("configured", len(probed)))
}

// scheduleHandleMaintenance keeps cached handles fresh in long running
// processes.
func scheduleHandleMaintenance(coord *coordinator.Coordinator, cfg *config.Config, deriver *coop.Deriver, client *federation.Client, logger *zap.Logger) {
	coord.Schedule("federation-probe", 0, 5*time.Minute, func(ctx context.Context) {
		refreshAvailability(ctx, cfg, deriver, client, logger)
	})
	coord.Schedule("handle-cleanup", time.Hour, time.Hour, func(ctx context.Context) {
		deriver.CleanupExpiredHandles()
	})
	coord.Schedule("handle-renewal", renewalPeriod, renewalPeriod, func(ctx context.Context) {
		if n := deriver.RenewExpiring(ctx, renewalWindow); n > 0 {
			logger.Info("Renewed expiring handles", zap.Int("count", n))
		}
	})
}
