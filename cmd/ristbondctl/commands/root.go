// Package commands implements the ristbondctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the plain HTTP client used against the admin API,
	// initialized in PersistentPreRunE.
	httpClient *http.Client

	// baseURL is the daemon's admin HTTP base URL, derived from serverAddr.
	baseURL string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's admin address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for ristbondctl.
var rootCmd = &cobra.Command{
	Use:   "ristbondctl",
	Short: "CLI client for the ristbond daemon",
	Long:  "ristbondctl communicates with the ristbond daemon's admin HTTP API to inspect bonded links and control weights and bitrate.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		baseURL = "http://" + serverAddr
		httpClient = &http.Client{Timeout: 5 * time.Second}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:7780",
		"ristbond daemon admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(weightsCmd())
	rootCmd.AddCommand(bitrateCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
