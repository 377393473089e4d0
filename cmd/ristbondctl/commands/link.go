package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// linkSnapshotView mirrors admin's linkSnapshot JSON shape.
type linkSnapshotView struct {
	Index            int     `json:"index"`
	Weight           float64 `json:"weight"`
	EWMADeliveredPPS float64 `json:"ewma_delivered_pps"`
	EWMARtxRate      float64 `json:"ewma_rtx_rate"`
	EWMARttMillis    float64 `json:"ewma_rtt_ms"`
	Health           string  `json:"health"`
}

// linksResponseView mirrors admin's linksResponse JSON shape.
type linksResponseView struct {
	Links          []linkSnapshotView `json:"links"`
	CommittedAt    time.Time          `json:"committed_at"`
	PacketsForward uint64             `json:"packets_forwarded"`
	PacketsDropped uint64             `json:"packets_dropped"`
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Inspect bonded link state",
	}
	cmd.AddCommand(linkListCmd())
	return cmd
}

func linkListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bonded links and their current health and weight",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp linksResponseView
			if err := getJSON(context.Background(), "/v1/links", &resp); err != nil {
				return fmt.Errorf("get links: %w", err)
			}

			out, err := formatLinks(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format links: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
