// Package cmd provides the CLI commands for Warden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - runtime policy decisions for AI agents",
	Long: `Warden is a runtime policy decision service for AI agents.

Every tool call an agent wants to make is checked against a published
policy and the calling session's state, and comes back allowed or blocked
with machine-readable reasons. Sessions, policies, API keys, and the audit
log live in the configured database.

Quick start:
  1. Create a config file: warden.yaml
  2. Run: warden serve --dev
  3. Point your agent's SDK at the printed address and dev API key.

Configuration:
  Config is loaded from warden.yaml in the current directory,
  $HOME/.warden/, or /etc/warden/.

  Environment variables can override config values with the WARDEN_ prefix.
  Example: WARDEN_SERVER_ADDR=0.0.0.0:9090

Commands:
  serve       Start the decision server
  stop        Stop the running server
  migrate     Apply the database schema
  policy      Validate, publish, and inspect policies
  keys        Mint, revoke, and list runtime API keys
  env         Create and list environments
  audit       Query the audit log
  hash-token  Hash an admin token for admin.token_hash
  mcp         Run the MCP stdio adapter
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./warden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
