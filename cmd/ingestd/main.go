// Package main is the entry point of the ingestd background ingestion service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Background ingestion pipeline",
	Long: "ingestd syncs events from external services into raw events, resolves the people " +
		"in them to contacts and records deduplicated interactions, all through a durable job queue.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
