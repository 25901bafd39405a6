/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the claim bucketing engine.

COMMANDS:
  serve     Run the HTTP API, the generation workers and the sweeper
  ingest    Feed a JSON-lines claim file through the aggregator
  migrate   Create or upgrade the database schema and exit

CONFIGURATION:
  --config points at a YAML file; without it ./claimbucket.yaml is used
  when present. Every key can be overridden from the environment with the
  CLAIMBUCKET_ prefix (CLAIMBUCKET_DATABASE_DSN, CLAIMBUCKET_AUTH_SECRET).
  A .env file in the working directory is loaded first.

EXAMPLES:
  # Run with an in-memory store
  CLAIMBUCKET_DATABASE_DRIVER=memory claimbucket serve

  # Run against Postgres
  claimbucket serve --config ./deploy/claimbucket.yaml

  # Replay a claim file, resuming from the last checkpoint
  claimbucket ingest ./inbox/claims-2024-06.jsonl

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - serve.go: Server startup and graceful shutdown
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "claimbucket",
		Short:         "Claim bucketing engine: accumulate claims, commit buckets, issue checks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(ingestCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
