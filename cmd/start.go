package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/app"
	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/log"
)

var shutdownTimeout time.Duration

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aggregation core",
	Long: `
Start the Strix aggregation core.

Examples:
  strix start -c config.yml                 # Start with config.yml and shutdown timeout 10s
  strix start -c config.yml -t 1m           # Start with config.yml and shutdown timeout 1m
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load configuration", err)
		}
		log.Init(&cfg.Log)

		pid := os.Getpid()
		if err := os.WriteFile("/tmp/strix.pid", []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
			log.GetLogger().WithError(err).Warn("failed to write pid file")
		} else {
			defer os.Remove("/tmp/strix.pid")
		}

		a := app.New(cfg)
		if err := a.Start(context.Background()); err != nil {
			exitWithError("failed to start", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		log.GetLogger().Infof("received %s, shutting down", s)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			exitWithError("shutdown failed", err)
		}
	},
}

func init() {
	startCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 10*time.Second,
		"graceful shutdown timeout")
	rootCmd.AddCommand(startCmd)
}
