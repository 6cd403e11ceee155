package main

import (
	"fmt"
	"os"

	"github.com/psinet-ops/psinet/pkg/config"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded by the root command before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "psinet",
	Short: "psinet - network operations database and server lifecycle engine",
	Long: `psinet keeps the database of a circumvention network: propagation
channels, sponsors and their campaigns, hosts and the servers on them.

It launches and retires servers at hosting providers, pushes code and
compartmentalized data to hosts, publishes client builds and serves
handshakes from a host's snapshot.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"psinet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", config.DefaultPath, "Configuration file")
	flags.String("db", "", "Network database path (overrides database.path)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log JSON instead of console output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(viewCmd)
	editCmd := newEditCmd(nil)
	editCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(createServersCmd)
	rootCmd.AddCommand(refreshRoutesCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(serveHandshakeCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return err
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		c.Database.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		c.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		c.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(c.LogSettings())
	cfg = c
	return nil
}
