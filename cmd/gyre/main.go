package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	dbURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gyre",
		Short: "Gyre - durable workflow engine for the Serverless Workflow DSL",
		Long:  "Gyre runs Serverless Workflow documents as crash-tolerant instances whose state rides continuation messages through a transactional outbox",
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL URL (overrides config and GYRE_DB_URL)")

	rootCmd.AddCommand(
		uploadCmd(),
		listCmd(),
		startCmd(),
		runsCmd(),
		runCmd(),
		secretCmd(),
		scheduleCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
