// Package main is the entry point for codequeue.
//
// codequeue accepts untrusted programs over REST or MCP, queues them in
// Redis and runs them in resource-capped, read-only container sandboxes.
// One binary serves three roles: api (submission and status), worker
// (execution) and standalone (both in one process).
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging, viper for
// configuration and cobra for the command line.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "codequeue",
		Short:        "Queued sandboxed code execution",
		Long:         "Accepts code submissions, queues them in Redis and executes them in isolated container sandboxes.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML configuration file")

	rootCmd.AddCommand(newRoleCmd(roleAPI, "Serve the REST and MCP submission APIs"))
	rootCmd.AddCommand(newRoleCmd(roleWorker, "Execute queued jobs"))
	rootCmd.AddCommand(newRoleCmd(roleStandalone, "Serve the APIs and execute jobs in one process"))
	rootCmd.AddCommand(newLanguagesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
