package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// weightsResponseView mirrors admin's weights JSON shape, shared by both
// GET /v1/weights and POST /v1/weights responses.
type weightsResponseView struct {
	Weights []float64 `json:"weights"`
}

func weightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Read or override the dispatcher's weight vector",
	}
	cmd.AddCommand(weightsGetCmd())
	cmd.AddCommand(weightsSetCmd())
	return cmd
}

func weightsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the dispatcher's current weight vector",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var resp weightsResponseView
			if err := getJSON(context.Background(), "/v1/weights", &resp); err != nil {
				return fmt.Errorf("get weights: %w", err)
			}

			out, err := formatWeights(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format weights: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func weightsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <w0> <w1> ...",
		Short: "Override the dispatcher's weight vector (one argument per link, in link index order)",
		Long: "Overrides the dispatcher's weight vector immediately. If auto_balance is enabled, the " +
			"dispatcher's own rebalance loop may recompute and overwrite this override on its next tick.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			weights := make([]float64, len(args))
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 64)
				if err != nil {
					return fmt.Errorf("parse weight %q: %w", a, err)
				}
				weights[i] = v
			}

			var resp weightsResponseView
			if err := postJSON(context.Background(), "/v1/weights", weights, &resp); err != nil {
				return fmt.Errorf("set weights: %w", err)
			}

			out, err := formatWeights(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format weights: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
