package main

import (
	"fmt"
	"strings"

	"overlay/pkg/config"
	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show identity, configuration and federation reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			coord, err := coordinator.New(logger, coordinator.WithClientVersion(clientVersion))
			if err != nil {
				return fmt.Errorf("failed to create coordinator: %w", err)
			}

			servers := federationServers(cfg)
			if probe && len(servers) > 0 {
				client, err := newFederationClient(cfg, metrics.New(nil), logger)
				if err != nil {
					return err
				}
				defer client.Close()
				servers = client.Probe(cmd.Context(), servers, probeTimeout)
			}

			fmt.Println(renderIdentity(coord.Identity()))
			fmt.Println(renderFederation(cfg, servers, probe))
			fmt.Println(renderFog(cfg))
			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", true, "ping federation servers")
	return cmd
}

func renderIdentity(id coordinator.SessionIdentity) string {
	return createPanel("SESSION", renderFields([]field{
		{"Session Key", coordinator.TruncateKey(id.PublicKey), accentValueStyle},
		{"Capabilities", id.CapabilitiesHash, valueStyle},
		{"Created", id.CreatedAt.Format("2006-01-02 15:04:05"), valueStyle},
		{"Epoch", fmt.Sprintf("%d", coordinator.EpochBucket(id.CreatedAt)), valueStyle},
		{"Version", clientVersion, mutedStyle},
	}), 64)
}

func renderFederation(cfg *config.Config, servers []types.FederationServer, probed bool) string {
	available := 0
	for _, s := range servers {
		if s.Available {
			available++
		}
	}

	fields := []field{
		{"Threshold", fmt.Sprintf("%d of %d", cfg.Coop.Threshold, cfg.Coop.TotalServers), valueStyle},
		{"PoW Difficulty", fmt.Sprintf("%d bits", cfg.Coop.PowDifficulty), valueStyle},
		{"Handle Validity", cfg.Coop.HandleValidity.String(), valueStyle},
	}
	if probed {
		style := accentValueStyle
		if available < cfg.Coop.Threshold {
			style = dangerValueStyle
		}
		fields = append(fields, field{"Reachable", fmt.Sprintf("%d / %d", available, len(servers)), style})
	}

	var content strings.Builder
	content.WriteString(renderFields(fields))

	if len(servers) == 0 {
		content.WriteString("\n\n" + mutedStyle.Render("No federation servers configured; handles use the local fallback"))
		return createPanel("FEDERATION", content.String(), 0)
	}

	t := newTable("SERVER", "ENDPOINT", "STATUS")
	for _, s := range servers {
		status := mutedStyle.Render("not probed")
		if probed {
			status = statusBadge(s.Available, "REACHABLE", "UNREACHABLE")
		}
		t.Row(string(s.ServerID), s.Endpoint, status)
	}
	content.WriteString("\n\n" + t.Render())

	return createPanel("FEDERATION", content.String(), 0)
}

func renderFog(cfg *config.Config) string {
	enabled := dangerValueStyle.Render("disabled")
	if cfg.Fog.Enabled {
		enabled = accentValueStyle.Render("enabled")
	}

	peers := "none"
	if len(cfg.Gossip.Peers) > 0 {
		peers = strings.Join(cfg.Gossip.Peers, ", ")
	}

	return createPanel("FOG", renderFields([]field{
		{"Discovery", enabled, valueStyle},
		{"Topic Bucket", fmt.Sprintf("%d min", cfg.Fog.TopicBucketMinutes), valueStyle},
		{"K Threshold", fmt.Sprintf("%d", cfg.Fog.KThreshold), valueStyle},
		{"Decay", cfg.Fog.DecayWindow().String(), valueStyle},
		{"Gossip Address", cfg.Gossip.ListenAddress, valueStyle},
		{"Gossip Peers", peers, valueStyle},
	}), 64)
}
