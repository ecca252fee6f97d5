package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/decision"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/domain/session"
	"github.com/agent-warden/warden/internal/service"
)

// APIKeyHeader carries the runtime API key on decision requests.
const APIKeyHeader = "x-api-key"

// checkRequest is the POST /runtime-check body.
type checkRequest struct {
	SessionID  string         `json:"sessionId" validate:"required,max=256"`
	AgentID    string         `json:"agentId" validate:"required,max=256"`
	ToolName   string         `json:"toolName" validate:"required,max=256"`
	ActionType string         `json:"actionType" validate:"omitempty,oneof=read write side_effect"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata"`
}

// checkResponse is the decision body, shared by allowed, blocked, and failed
// requests. Failures carry only allowed/errorCode/decisionReasons/duration.
type checkResponse struct {
	Allowed             bool              `json:"allowed"`
	ErrorCode           string            `json:"errorCode,omitempty"`
	DecisionReasons     []decision.Reason `json:"decisionReasons"`
	PolicyVersionUsed   int               `json:"policyVersionUsed,omitempty"`
	PolicyHash          string            `json:"policyHash,omitempty"`
	StateBefore         string            `json:"stateBefore,omitempty"`
	StateAfter          string            `json:"stateAfter,omitempty"`
	Counters            map[string]int64  `json:"counters,omitempty"`
	ExecutionDurationMs int64             `json:"executionDurationMs"`
}

// checkValidate validates decision request bodies. Field names in messages
// use the JSON names the caller sent.
var checkValidate = newCheckValidator()

func newCheckValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleRuntimeCheck decides one tool call. Every response, including
// failures, carries the fail-closed decision shape.
func (s *Server) handleRuntimeCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, s.maxPayloadBytes)
	defer func() { _ = r.Body.Close() }()

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.writeFailure(w, http.StatusRequestEntityTooLarge, decision.CodePayloadTooLarge,
				"request body exceeds the configured limit", start)
			return
		}
		s.writeFailure(w, http.StatusBadRequest, decision.CodeInvalidInput,
			"request body is not valid JSON", start)
		return
	}

	if err := checkValidate.Struct(req); err != nil {
		s.writeFailure(w, http.StatusBadRequest, decision.CodeInvalidInput, validationMessage(err), start)
		return
	}

	rawKey := r.Header.Get(APIKeyHeader)
	if rawKey == "" {
		s.writeFailure(w, http.StatusUnauthorized, decision.CodeInvalidAPIKey, "missing x-api-key header", start)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestDeadline)
	defer cancel()

	result, err := s.decisions.Check(ctx, rawKey, service.CheckInput{
		SessionID:  req.SessionID,
		AgentID:    req.AgentID,
		ToolName:   req.ToolName,
		ActionType: policy.ActionType(req.ActionType),
		Payload:    req.Payload,
		Metadata:   req.Metadata,
		RequestID:  RequestIDFromContext(r.Context()),
	})
	if err != nil {
		s.writeCheckError(w, r, err, start)
		return
	}

	reasons := result.Reasons
	if reasons == nil {
		reasons = []decision.Reason{}
	}

	s.recordDecision(result.Allowed, result.ErrorCode, time.Since(start))
	s.writeJSON(w, http.StatusOK, checkResponse{
		Allowed:             result.Allowed,
		ErrorCode:           string(result.ErrorCode),
		DecisionReasons:     reasons,
		PolicyVersionUsed:   result.PolicyVersionUsed,
		PolicyHash:          result.PolicyHash,
		StateBefore:         result.StateBefore,
		StateAfter:          result.StateAfter,
		Counters:            result.Counters,
		ExecutionDurationMs: result.ExecutionDurationMs,
	})
}

// writeCheckError maps a decision-path error to its status and canonical
// code. Internal detail stays in the log; the body carries only the code and
// a short message.
func (s *Server) writeCheckError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	logger := LoggerFromContext(r.Context())

	var rateErr *service.RateLimitedError
	var storeErr *service.StoreError

	status := http.StatusInternalServerError
	code := decision.CodeInternalError
	msg := "internal error"

	switch {
	case errors.Is(err, auth.ErrInvalidKey):
		status, code, msg = http.StatusUnauthorized, decision.CodeInvalidAPIKey, "invalid API key"
	case errors.Is(err, auth.ErrKeyRevoked):
		status, code, msg = http.StatusUnauthorized, decision.CodeAPIKeyRevoked, "API key revoked"
	case errors.As(err, &rateErr):
		status, code = http.StatusTooManyRequests, decision.CodeRateLimited
		msg = rateErr.Error()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr.RetryAfter)))
		s.recordRateLimited()
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, policy.ErrVersionNotFound):
		status, code, msg = http.StatusNotFound, decision.CodePolicyNotFound, "no published policy for this environment"
	case errors.Is(err, session.ErrCorrupted):
		status, code, msg = http.StatusInternalServerError, decision.CodeSessionCorrupted, "stored session state is corrupted"
	case errors.As(err, &storeErr):
		status, code, msg = http.StatusInternalServerError, decision.CodeDatabaseUnavailable, "database unavailable"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("runtime check failed", "error", err, "code", code, "client_ip", ClientIPFromContext(r.Context()))
	} else {
		logger.Debug("runtime check rejected", "code", code, "client_ip", ClientIPFromContext(r.Context()))
	}

	s.writeFailure(w, status, code, msg, start)
}

// retryAfterSeconds rounds the remaining window up to whole seconds.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// writeFailure writes the fail-closed decision shape for a request that
// never reached evaluation.
func (s *Server) writeFailure(w http.ResponseWriter, status int, code decision.Code, msg string, start time.Time) {
	s.recordDecision(false, code, time.Since(start))
	s.writeJSON(w, status, checkResponse{
		Allowed:   false,
		ErrorCode: string(code),
		DecisionReasons: []decision.Reason{
			{Code: code, Message: msg},
		},
		ExecutionDurationMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// recordDecision feeds the decision metrics. Nil-safe so handlers can be
// exercised without a registry.
func (s *Server) recordDecision(allowed bool, code decision.Code, d time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "blocked"
	if allowed {
		outcome = "allowed"
	}
	s.metrics.DecisionsTotal.WithLabelValues(outcome, string(code)).Inc()
	s.metrics.DecisionDuration.Observe(d.Seconds())
}

func (s *Server) recordRateLimited() {
	if s.metrics == nil {
		return
	}
	s.metrics.RateLimitedTotal.Inc()
}

// validationMessage flattens the first validation failure into a caller
// message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "max":
		return e.Field() + " must be at most " + e.Param() + " characters"
	case "oneof":
		return e.Field() + " must be one of: " + strings.ReplaceAll(e.Param(), " ", ", ")
	default:
		return e.Field() + " is invalid"
	}
}
