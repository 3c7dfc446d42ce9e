package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/fog"
	"overlay/pkg/gossip"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func fogCmd() *cobra.Command {
	var (
		dimension     string
		temperature   float64
		noBiome       bool
		dayTime       int64
		filter        string
		queryInterval time.Duration
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "fog",
		Short: "Run a discovery node",
		Long: `Joins the discovery fog: announces this node's coarse condition to gossip
peers, collects announcements for the same condition topic, and periodically
prints the peers seen by at least k sources.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Fog.Enabled {
				return errors.New("fog is disabled in the configuration")
			}

			coord, err := coordinator.New(logger, coordinator.WithClientVersion(clientVersion))
			if err != nil {
				return fmt.Errorf("failed to create coordinator: %w", err)
			}

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)

			env := fog.NewStaticEnvironment(fog.AmbientState{
				Dimension:       fog.CategorizeDimension(dimension),
				BaseTemperature: temperature,
				HasBiome:        !noBiome,
				DayTime:         dayTime,
			})

			serverTLS, clientTLS, err := tlsConfigs(cfg)
			if err != nil {
				return fmt.Errorf("failed to build TLS config: %w", err)
			}

			gossipCfg := gossip.DefaultConfig()
			gossipCfg.Fanout = cfg.Gossip.Fanout
			gossipCfg.GossipPeriod = cfg.Gossip.Period.Std()
			if clientTLS != nil {
				// Overrides the plaintext default.
				gossipCfg.DialOptions = append(gossipCfg.DialOptions,
					grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
			}

			// The handler needs the fog and the fog needs the transport.
			var node *fog.Fog
			gs := gossip.NewGossipService(gossipCfg, func(ann *types.FogAnnouncement, source types.PeerID) error {
				return node.ProcessAnnouncement(ann, source)
			}, m, logger)

			node = fog.New(coord, env, fog.Config{
				TimeBucketMinutes: cfg.Fog.TopicBucketMinutes,
				KThreshold:        cfg.Fog.KThreshold,
				DecayWindow:       cfg.Fog.DecayWindow(),
			}, logger,
				fog.WithTransport(gs),
				fog.WithVerifier(fog.DigestSigner{}),
				fog.WithManifestSource(func() string { return cfg.Fog.ManifestSummary }),
				fog.WithMetrics(m),
			)
			node.UpdateCondition()

			gs.SetLocalID(node.PeerID())
			gs.SetTopicFilter(node.CurrentTopic)
			for _, peer := range cfg.Gossip.Peers {
				gs.AddPeer(peer)
			}

			lis, err := net.Listen("tcp", cfg.Gossip.ListenAddress)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Gossip.ListenAddress, err)
			}
			grpcServer := grpc.NewServer(serverOptions(serverTLS)...)
			gossip.RegisterGossipServer(grpcServer, gs)
			go func() {
				if err := grpcServer.Serve(lis); err != nil {
					logger.Error("Gossip server stopped", zap.Error(err))
				}
			}()
			gs.Start()

			health := metrics.NewHealthEndpoint(registry, func() bool {
				return node.CurrentTopic() != ""
			}, logger)
			httpServer := metrics.StartServer(cfg.Metrics.ListenAddress, health, logger)

			if len(cfg.Coop.FederationServers) > 0 {
				deriver, client, err := newDeriver(cfg, coord, m, logger)
				if err != nil {
					return err
				}
				defer client.Close()
				scheduleHandleMaintenance(coord, cfg, deriver, client, logger)
			}

			coord.Schedule("fog-condition", time.Minute, time.Minute, func(ctx context.Context) {
				node.UpdateCondition()
			})
			coord.Schedule("fog-announce", 5*time.Second, 5*time.Minute, func(ctx context.Context) {
				// The peer id follows session rotation.
				gs.SetLocalID(node.PeerID())
				if err := node.Announce(ctx); err != nil {
					logger.Warn("Announcement failed", zap.Error(err))
				}
			})
			coord.Schedule("fog-decay", 15*time.Minute, 15*time.Minute, func(ctx context.Context) {
				if n := node.DecayStaleEntries(); n > 0 {
					logger.Debug("Decayed stale shards", zap.Int("count", n))
				}
			})
			coord.Schedule("fog-query", queryInterval, queryInterval, func(ctx context.Context) {
				shards, err := node.Query(ctx, filter)
				if err != nil {
					logger.Warn("Query failed", zap.Error(err))
					return
				}
				printShards(shards, node.CurrentTopic(), jsonOutput)
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			coord.Start(ctx)
			logger.Info("Fog node running",
				zap.String("peer_id", string(node.PeerID())),
				zap.String("gossip_address", cfg.Gossip.ListenAddress),
				zap.Int("peers", len(cfg.Gossip.Peers)))

			<-ctx.Done()

			coord.Stop()
			gs.Stop()
			node.Shutdown()
			grpcServer.GracefulStop()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&dimension, "dimension", "minecraft:overworld", "dimension identifier")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.8, "biome base temperature")
	cmd.Flags().BoolVar(&noBiome, "no-biome", false, "report no biome")
	cmd.Flags().Int64Var(&dayTime, "day-time", 6000, "day cycle tick")
	cmd.Flags().StringVar(&filter, "filter", "", "only show peers whose manifest contains this text")
	cmd.Flags().DurationVar(&queryInterval, "query-interval", time.Minute, "how often to print visible peers")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print query results as JSON")
	return cmd
}

func printShards(shards []types.FogShard, topic string, jsonOutput bool) {
	if jsonOutput {
		data, err := json.Marshal(shards)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	if len(shards) == 0 {
		fmt.Println(createPanel("FOG "+topic, mutedStyle.Render("No peers above the anonymity threshold"), 0))
		return
	}

	t := newTable("PEER", "MANIFEST", "FRESHNESS", "SOURCES", "TRUST", "EXPIRES")
	for _, s := range shards {
		t.Row(
			string(s.PeerID),
			s.ManifestSummary,
			string(s.Freshness),
			fmt.Sprintf("%d", s.Corroborations),
			trustBadge(s.Trust),
			formatUntil(s.ExpiresAt),
		)
	}
	fmt.Println(createPanel("FOG "+topic, t.Render(), 0))
}

func trustBadge(trust types.TrustTier) string {
	switch trust {
	case types.TrustHigh:
		return accentValueStyle.Render(string(trust))
	case types.TrustMedium:
		return warningValueStyle.Render(string(trust))
	default:
		return dangerValueStyle.Render(string(trust))
	}
}
