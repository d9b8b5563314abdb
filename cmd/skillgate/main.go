package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/api"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/logging"
)

var (
	// Version information (set via ldflags)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	// Global flags
	configPath string
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skillgate",
	Short: "skillgate - license and entitlement engine",
	Long: `skillgate verifies signed license tokens, gates features by tier and
meters usage against per-tier quotas.

Get started:
  skillgate init                       # Write a sample configuration
  skillgate keygen                     # Create a signing key pair
  skillgate issue --tier team --customer cus_123
  skillgate serve                      # Start the HTTP API`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// init writes the file the other commands read.
		if cmd == initCmd || cmd == versionCmd || cmd == adminTokenCmd {
			logging.Init(logging.Config{Level: logLevel})
			return nil
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Component: "skillgate"})
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "skillgate %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	// Set version in API package for /api/version endpoint
	api.Version = Version

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(issuancesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(adminTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
