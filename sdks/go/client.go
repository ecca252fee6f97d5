package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// checkPath is the decision endpoint on the Warden server.
const checkPath = "/runtime-check"

// Client talks to the Warden decision endpoint. It holds no decision state:
// every call is checked server-side against the session's current state, so
// there is nothing safe to cache client-side.
type Client struct {
	serverAddr string
	apiKey     string
	agentID    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Warden client. It reads configuration from WARDEN_*
// environment variables by default; options override them.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: os.Getenv("WARDEN_SERVER_ADDR"),
		apiKey:     os.Getenv("WARDEN_API_KEY"),
		agentID:    os.Getenv("WARDEN_AGENT_ID"),
		timeout:    parseDurationEnv("WARDEN_TIMEOUT", 5*time.Second),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Check asks Warden to decide one tool call and returns the evaluated
// decision. A blocked call is a normal result with Allowed false; inspect
// DecisionReasons for the why. Errors mean no decision was evaluated:
//
//   - *APIError: the request was rejected before evaluation (bad key, rate
//     limit, no published policy).
//   - *UnavailableError: the server was unreachable or failed internally.
//
// Either way the caller must not run the tool.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}

	url := strings.TrimRight(c.serverAddr, "/") + checkPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("warden request failed, failing closed",
			"server_addr", c.serverAddr,
			"error", err,
		)
		return nil, &UnavailableError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, &UnavailableError{Cause: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode == http.StatusOK {
		var result CheckResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &UnavailableError{Cause: fmt.Errorf("decode response: %w", err)}
		}
		return &result, nil
	}

	apiErr := decodeAPIError(httpResp, respBody)
	if httpResp.StatusCode >= http.StatusInternalServerError {
		// The server failed closed; surface it as unavailability.
		return nil, &UnavailableError{Cause: apiErr}
	}
	return nil, apiErr
}

// Guard is the error-flavored form of Check for wrapping tool execution:
//
//	if _, err := client.Guard(ctx, req); err != nil {
//	    return err
//	}
//	runTool()
//
// An allowed decision returns the result; a blocked decision returns a
// *BlockedError. Guard never retries: the decision already consumed the
// call's slot in the session's counters, and an identical retry evaluates
// against the same state.
func (c *Client) Guard(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	result, err := c.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return nil, &BlockedError{
			ToolName:      req.ToolName,
			ErrorCode:     result.ErrorCode,
			Reasons:       result.DecisionReasons,
			PolicyVersion: result.PolicyVersionUsed,
			CurrentState:  result.StateAfter,
		}
	}
	return result, nil
}

// decodeAPIError builds an *APIError from a non-200 response. Failure
// responses carry the same JSON shape as decisions.
func decodeAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var failure CheckResult
	if err := json.Unmarshal(body, &failure); err == nil {
		apiErr.Code = failure.ErrorCode
		if len(failure.DecisionReasons) > 0 {
			apiErr.Message = failure.DecisionReasons[0].Message
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// IsBlocked reports whether err is a policy block.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}

// IsUnavailable reports whether err means no decision could be obtained.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Accept bare integer seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
