package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/federation"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func fedServerCmd() *cobra.Command {
	var (
		serverID string
		address  string
		dataDir  string
	)

	cmd := &cobra.Command{
		Use:   "fed-server",
		Short: "Run a federation evaluation server",
		Long: `Serves partial OPRF evaluations to clients that present a valid signature
and proof of work. Used (blinded value, nonce) pairs are remembered per epoch
so a proof of work cannot be replayed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverID != "" {
				cfg.FederationServer.ServerID = serverID
			}
			if address != "" {
				cfg.FederationServer.ListenAddress = address
			}
			if dataDir != "" {
				cfg.FederationServer.DataDir = dataDir
			}
			if err := cfg.ValidateServer(); err != nil {
				return fmt.Errorf("invalid server config: %w", err)
			}
			secret, err := cfg.FederationServer.Secret()
			if err != nil {
				return err
			}

			logger = logger.With(zap.String("server_id", cfg.FederationServer.ServerID))

			if err := os.MkdirAll(cfg.FederationServer.DataDir, 0700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			store, err := federation.OpenReplayStore(cfg.FederationServer.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			srv, err := federation.NewServer(federation.ServerConfig{
				ServerID:       types.ServerID(cfg.FederationServer.ServerID),
				MasterSecret:   secret,
				PowDifficulty:  cfg.Coop.PowDifficulty,
				EpochTolerance: 1,
			}, store, m, logger)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", cfg.FederationServer.ListenAddress)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.FederationServer.ListenAddress, err)
			}

			serverTLS, _, err := tlsConfigs(cfg)
			if err != nil {
				return fmt.Errorf("failed to build TLS config: %w", err)
			}
			grpcServer := grpc.NewServer(serverOptions(serverTLS)...)
			federation.RegisterEvaluatorServer(grpcServer, srv)

			health := metrics.NewHealthEndpoint(registry, nil, logger)
			httpServer := metrics.StartServer(cfg.Metrics.ListenAddress, health, logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			scheduler := coordinator.NewScheduler(logger)
			scheduler.Add("replay-prune", time.Hour, time.Hour, func(ctx context.Context) {
				if err := srv.PruneReplays(); err != nil {
					logger.Warn("Failed to prune replay store", zap.Error(err))
				}
			})
			scheduler.Start(ctx)

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("Federation server listening",
					zap.String("address", cfg.FederationServer.ListenAddress))
				serveErr <- grpcServer.Serve(lis)
			}()

			select {
			case <-ctx.Done():
				logger.Info("Shutting down federation server")
			case err := <-serveErr:
				logger.Error("gRPC server stopped", zap.Error(err))
			}

			scheduler.Stop(5 * time.Second)
			grpcServer.GracefulStop()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&serverID, "id", "", "server id (overrides config)")
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "replay store directory (overrides config)")
	return cmd
}
