package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	warden "github.com/agent-warden/sdk-go"
	"github.com/agent-warden/warden/internal/adapter/inbound/mcpsrv"
)

var (
	mcpServerAddr string
	mcpAPIKey     string
	mcpAgentID    string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP stdio adapter",
	Long: `Run an MCP server on stdio exposing one tool, runtime_check.

MCP-native agents call runtime_check before executing a tool; the adapter
forwards each check to a Warden server over HTTP and returns the decision.
When no decision can be obtained the result is an error, so the agent
fails closed.

The server address and API key come from flags or the environment
(WARDEN_SERVER_ADDR, WARDEN_API_KEY, WARDEN_AGENT_ID).

Examples:
  warden mcp --server http://localhost:8080 --api-key "$WARDEN_API_KEY"

  # In an MCP client config:
  {"command": "warden", "args": ["mcp"], "env": {"WARDEN_API_KEY": "wdn_..."}}`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpServerAddr, "server", "", "Warden server address (default: WARDEN_SERVER_ADDR or http://localhost:8080)")
	mcpCmd.Flags().StringVar(&mcpAPIKey, "api-key", "", "runtime API key (default: WARDEN_API_KEY)")
	mcpCmd.Flags().StringVar(&mcpAgentID, "agent-id", "", "agent ID stamped on checks that carry none (default: WARDEN_AGENT_ID)")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// Logs go to stderr; stdout belongs to the MCP transport.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if mcpAPIKey == "" && os.Getenv("WARDEN_API_KEY") == "" {
		return fmt.Errorf("no API key: pass --api-key or set WARDEN_API_KEY")
	}
	if mcpServerAddr == "" && os.Getenv("WARDEN_SERVER_ADDR") == "" {
		mcpServerAddr = "http://localhost:8080"
	}

	opts := []warden.Option{warden.WithLogger(logger)}
	if mcpServerAddr != "" {
		opts = append(opts, warden.WithServerAddr(mcpServerAddr))
	}
	if mcpAPIKey != "" {
		opts = append(opts, warden.WithAPIKey(mcpAPIKey))
	}
	if mcpAgentID != "" {
		opts = append(opts, warden.WithAgentID(mcpAgentID))
	}

	client := warden.NewClient(opts...)
	srv := mcpsrv.NewServer(client,
		mcpsrv.WithLogger(logger),
		mcpsrv.WithVersion(Version),
	)

	logger.Info("mcp adapter starting", "version", Version)
	return srv.Run(cmd.Context())
}
