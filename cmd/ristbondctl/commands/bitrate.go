package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// bitrateResponseView mirrors admin's GET /v1/bitrate JSON shape.
type bitrateResponseView struct {
	Kbps int `json:"kbps"`
}

func bitrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bitrate",
		Short: "Show the encoder bitrate target currently committed by the controller",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp bitrateResponseView
			if err := getJSON(context.Background(), "/v1/bitrate", &resp); err != nil {
				return fmt.Errorf("get bitrate: %w", err)
			}

			out, err := formatBitrate(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format bitrate: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
