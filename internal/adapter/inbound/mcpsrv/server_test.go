package mcpsrv

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	warden "github.com/agent-warden/sdk-go"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// newSession connects an MCP client to the adapter over in-memory pipes,
// with the adapter delegating to the Warden server at wardenURL.
func newSession(t *testing.T, wardenURL string) *mcp.ClientSession {
	t.Helper()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := warden.NewClient(
		warden.WithServerAddr(wardenURL),
		warden.WithAPIKey("wdn_test_key"),
		warden.WithAgentID("mcp-agent"),
		warden.WithLogger(quiet),
	)
	srv := NewServer(client, WithLogger(quiet), WithVersion("test"))

	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx := context.Background()
	serverSession, err := srv.build().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "test-agent", Version: "test"}, nil)
	clientSession, err := mcpClient.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

// callRuntimeCheck invokes the tool and decodes its decision envelope.
func callRuntimeCheck(t *testing.T, session *mcp.ClientSession, args map[string]any) (*mcp.CallToolResult, warden.CheckResult) {
	t.Helper()

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "runtime_check",
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("expected tool result content")
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}

	var decoded warden.CheckResult
	if err := json.Unmarshal([]byte(text.Text), &decoded); err != nil {
		t.Fatalf("decode decision envelope: %v\n%s", err, text.Text)
	}
	return res, decoded
}

func TestRuntimeCheckToolListed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	session := newSession(t, ts.URL)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(res.Tools) != 1 {
		t.Fatalf("expected exactly one tool, got %d", len(res.Tools))
	}
	if res.Tools[0].Name != "runtime_check" {
		t.Errorf("expected runtime_check, got %s", res.Tools[0].Name)
	}
}

func TestRuntimeCheckAllowed(t *testing.T) {
	var receivedKey string
	var receivedBody map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(warden.CheckResult{
			Allowed:           true,
			DecisionReasons:   []warden.Reason{{Code: "ALLOWED", Message: "call permitted"}},
			PolicyVersionUsed: 2,
			StateAfter:        "verified",
		})
	}))
	defer ts.Close()

	session := newSession(t, ts.URL)

	res, decoded := callRuntimeCheck(t, session, map[string]any{
		"sessionId": "sess-1",
		"toolName":  "verify_identity",
		"payload":   map[string]any{"customer": "c-9"},
	})

	if res.IsError {
		t.Error("allowed decision must not be a tool error")
	}
	if !decoded.Allowed {
		t.Error("expected allowed decision")
	}
	if decoded.PolicyVersionUsed != 2 {
		t.Errorf("expected policy version 2, got %d", decoded.PolicyVersionUsed)
	}

	if receivedKey != "wdn_test_key" {
		t.Errorf("expected api key forwarded, got %q", receivedKey)
	}
	if receivedBody["sessionId"] != "sess-1" {
		t.Errorf("expected sessionId forwarded, got %v", receivedBody["sessionId"])
	}
	if receivedBody["agentId"] != "mcp-agent" {
		t.Errorf("expected default agentId applied, got %v", receivedBody["agentId"])
	}
}

func TestRuntimeCheckBlockedIsNormalResult(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(warden.CheckResult{
			Allowed:   false,
			ErrorCode: "REQUIRED_STATE_NOT_MET",
			DecisionReasons: []warden.Reason{{
				Code:    "REQUIRED_STATE_NOT_MET",
				Message: "tool issue_refund requires state verified, session is in initial",
				RuleRef: "tools.issue_refund",
			}},
			StateBefore: "initial",
			StateAfter:  "initial",
		})
	}))
	defer ts.Close()

	session := newSession(t, ts.URL)

	res, decoded := callRuntimeCheck(t, session, map[string]any{
		"sessionId": "sess-1",
		"toolName":  "issue_refund",
	})

	if res.IsError {
		t.Error("blocked decision is an evaluated result, not a tool error")
	}
	if decoded.Allowed {
		t.Error("expected blocked decision")
	}
	if decoded.ErrorCode != "REQUIRED_STATE_NOT_MET" {
		t.Errorf("expected REQUIRED_STATE_NOT_MET, got %s", decoded.ErrorCode)
	}
	if len(decoded.DecisionReasons) != 1 || decoded.DecisionReasons[0].RuleRef != "tools.issue_refund" {
		t.Errorf("unexpected reasons: %+v", decoded.DecisionReasons)
	}
}

func TestRuntimeCheckServerRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(warden.CheckResult{
			Allowed:   false,
			ErrorCode: "INVALID_API_KEY",
			DecisionReasons: []warden.Reason{{
				Code:    "INVALID_API_KEY",
				Message: "api key is missing or not recognized",
			}},
		})
	}))
	defer ts.Close()

	session := newSession(t, ts.URL)

	res, decoded := callRuntimeCheck(t, session, map[string]any{
		"sessionId": "sess-1",
		"toolName":  "verify_identity",
	})

	if !res.IsError {
		t.Error("a rejected check is a tool error, no decision was evaluated")
	}
	if decoded.Allowed {
		t.Error("rejections must fail closed")
	}
	if decoded.ErrorCode != "INVALID_API_KEY" {
		t.Errorf("expected server code carried through, got %s", decoded.ErrorCode)
	}
}

func TestRuntimeCheckUnreachableFailsClosed(t *testing.T) {
	// A listener that immediately closes simulates an unreachable server.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()

	session := newSession(t, "http://"+addr)

	res, decoded := callRuntimeCheck(t, session, map[string]any{
		"sessionId": "sess-1",
		"toolName":  "verify_identity",
	})

	if !res.IsError {
		t.Error("unreachable server is a tool error")
	}
	if decoded.Allowed {
		t.Error("unreachable server must fail closed")
	}
	if decoded.ErrorCode != "WARDEN_UNAVAILABLE" {
		t.Errorf("expected WARDEN_UNAVAILABLE, got %s", decoded.ErrorCode)
	}
	if len(decoded.DecisionReasons) == 0 {
		t.Error("expected a reason explaining the failure")
	}
}
