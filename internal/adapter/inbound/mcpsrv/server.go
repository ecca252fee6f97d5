// Package mcpsrv exposes the decision endpoint as an MCP stdio server, so
// MCP-native agents can pre-flight tool calls without speaking HTTP
// themselves. It delegates every check to a running Warden server and keeps
// the same fail-closed contract: when no decision can be obtained, the tool
// reports the call as blocked.
package mcpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	warden "github.com/agent-warden/sdk-go"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// codeUnavailable marks a check that never reached the server. It is a
// client-side code: the server's own vocabulary is carried through whenever
// the server answered at all.
const codeUnavailable = "WARDEN_UNAVAILABLE"

// Server bridges MCP tool calls to the Warden decision endpoint.
type Server struct {
	client  *warden.Client
	logger  *slog.Logger
	version string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Logs go to stderr; stdout belongs to the MCP
// transport.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported during MCP initialization.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates an MCP server delegating checks to the given client.
func NewServer(client *warden.Client, opts ...Option) *Server {
	s := &Server{
		client:  client,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the peer
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.build().Run(ctx, &mcp.StdioTransport{})
}

// build assembles the MCP server with the runtime_check tool registered.
func (s *Server) build() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "warden",
		Version: s.version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "runtime_check",
		Description: "Check a tool call against the session's runtime policy before executing it. " +
			"The result says whether the call may proceed; allowed=false comes with machine-readable reasons. " +
			"Decisions are stateful per session, so a blocked call must not be retried unchanged.",
	}, s.handleRuntimeCheck)

	return srv
}

// checkArgs is the runtime_check tool input.
type checkArgs struct {
	SessionID  string         `json:"sessionId" jsonschema:"stable identifier for the agent session the call belongs to"`
	AgentID    string         `json:"agentId,omitempty" jsonschema:"identifier of the calling agent, defaults to the configured agent id"`
	ToolName   string         `json:"toolName" jsonschema:"name of the tool the agent wants to call"`
	ActionType string         `json:"actionType,omitempty" jsonschema:"action class of the call: read, write or side_effect"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"arguments the tool would receive, checked by field-level policy rules"`
	Metadata   map[string]any `json:"metadata,omitempty" jsonschema:"caller context recorded in the audit trail"`
}

func (s *Server) handleRuntimeCheck(ctx context.Context, req *mcp.CallToolRequest, args checkArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.client.Check(ctx, warden.CheckRequest{
		SessionID:  args.SessionID,
		AgentID:    args.AgentID,
		ToolName:   args.ToolName,
		ActionType: args.ActionType,
		Payload:    args.Payload,
		Metadata:   args.Metadata,
	})
	if err != nil {
		// No decision was evaluated. Fail closed and tell the agent why;
		// the error stays inside the tool result so the agent can react.
		s.logger.Warn("runtime check failed, failing closed",
			"tool_name", args.ToolName,
			"session_id", args.SessionID,
			"error", err,
		)
		return toolResult(failClosedResult(err), true), nil, nil
	}

	// A blocked decision is a normal evaluated result, not a tool error.
	return toolResult(result, false), nil, nil
}

// failClosedResult shapes an error into the decision envelope the agent
// already understands. Server-issued codes (bad key, rate limit, missing
// policy) pass through; pure transport failures get codeUnavailable.
func failClosedResult(err error) *warden.CheckResult {
	code := codeUnavailable
	message := "no decision could be obtained, the call must not proceed"

	var apiErr *warden.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
		if apiErr.Message != "" {
			message = apiErr.Message
		}
	}

	return &warden.CheckResult{
		Allowed:         false,
		ErrorCode:       code,
		DecisionReasons: []warden.Reason{{Code: code, Message: message}},
	}
}

func toolResult(result *warden.CheckResult, isError bool) *mcp.CallToolResult {
	body, err := json.Marshal(result)
	if err != nil {
		body = fmt.Appendf(nil, `{"allowed": false, "errorCode": %q}`, codeUnavailable)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		IsError: isError,
	}
}
