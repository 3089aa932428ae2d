package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/strix/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the core.

This is useful for pre-checking configuration before deployment. The
effective configuration (defaults applied) is echoed on success.

Examples:
  strix validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: %s — %d instance(s), mongo db %q, management on %s\n",
		configFile, cfg.Instances, cfg.Mongo.DB, cfg.Management.URI)

	effective, err := yaml.Marshal(cfg)
	if err == nil {
		fmt.Printf("\nEffective configuration:\n%s", effective)
	}
}
