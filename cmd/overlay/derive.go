package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"overlay/pkg/coop"
	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"github.com/spf13/cobra"
)

func deriveCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "derive <cohort>",
		Short: "Derive the overlay handle for a cohort",
		Long: `Derives this session's handle for a cohort. The configured federation
servers are asked for partial evaluations; with fewer than the threshold
answering, a local fallback handle is derived instead.`,
		Args: cobra.ExactArgs(1),
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

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			m := metrics.New(nil)
			deriver, client, err := newDeriver(cfg, coord, m, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			refreshAvailability(ctx, cfg, deriver, client, logger)

			handle, err := deriver.DeriveHandle(ctx, args[0])
			if err != nil {
				return fmt.Errorf("derivation failed: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(handle)
			}

			fmt.Println(renderHandle(handle, deriver))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the handle as JSON")
	return cmd
}

func renderHandle(handle *types.OverlayHandle, deriver *coop.Deriver) string {
	stats := deriver.Stats()

	path, pathStyle := "federation", accentValueStyle
	if stats.Fallbacks > 0 {
		path, pathStyle = "local fallback", warningValueStyle
	}

	available := 0
	for _, s := range deriver.FederationServers() {
		if s.Available {
			available++
		}
	}

	fields := []field{
		{"Cohort", handle.CohortID, valueStyle},
		{"Handle", handle.Handle, accentValueStyle},
		{"Epoch", fmt.Sprintf("%d", handle.EpochBucket), valueStyle},
		{"Expires In", formatUntil(handle.ExpiresAt), valueStyle},
		{"PoW Nonce", fmt.Sprintf("%d", handle.PowNonce), mutedStyle},
		{"Derived Via", path, pathStyle},
		{"Servers Available", fmt.Sprintf("%d / %d", available, len(deriver.FederationServers())), valueStyle},
	}

	return createPanel("OVERLAY HANDLE", renderFields(fields), 64)
}
