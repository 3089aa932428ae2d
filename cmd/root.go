// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configFile is the global config flag shared by the subcommands.
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strix",
	Short: "Strix - correlation and aggregation core for passive VoIP monitoring",
	Long: `Strix is the correlation and aggregation core of a passive VoIP monitoring
pipeline. It consumes decoded SIP signaling and RTP quality reports from
capture agents, correlates them into transactions, calls and media sessions,
computes quality metrics (R-factor, MOS, jitter, loss), and emits raw
day-bucketed records to MongoDB and aggregated metrics to Prometheus.

Features:
  - SIP transaction and call aggregation, sharded by Call-ID
  - RTP-R media session aggregation with SDP enrichment and E-model MOS
  - Capture agent registry with SDP push over UDP
  - User-defined functions dispatched over the internal bus`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/strix/config.yml",
		"config file path")
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
