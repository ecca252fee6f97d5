package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-warden/warden/internal/adapter/outbound/memory"
	"github.com/agent-warden/warden/internal/domain/audit"
	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/decision"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/domain/ratelimit"
)

// refundFlowSpec is the canonical walkthrough policy: identity verification
// gates a single refund per session.
const refundFlowSpec = `{
	"version": "1.0",
	"defaultDecision": "deny",
	"toolRules": [
		{"toolName": "verify_identity", "effect": "allow", "actionType": "write"},
		{
			"toolName": "refund_payment",
			"effect": "allow",
			"actionType": "side_effect",
			"requireState": "verified",
			"requirePreviousToolCalls": ["verify_identity"],
			"requireFields": ["orderId", "amount"],
			"maxCallsPerSession": 1
		}
	],
	"stateMachine": {
		"states": ["initial", "verified", "refund_issued"],
		"initialState": "initial",
		"transitions": [
			{"fromState": "initial", "toState": "verified", "triggeredByTool": "verify_identity"},
			{"fromState": "verified", "toState": "refund_issued", "triggeredByTool": "refund_payment"}
		]
	}
}`

// openSpec allows everything; used where the decision itself is not under test.
const openSpec = `{"version": "1.0", "defaultDecision": "allow", "toolRules": []}`

const singleCallSpec = `{
	"version": "1.0",
	"defaultDecision": "deny",
	"toolRules": [{"toolName": "ping", "effect": "allow", "maxCallsPerSession": 1}]
}`

const cooldownSpec = `{
	"version": "1.0",
	"defaultDecision": "deny",
	"toolRules": [{"toolName": "sync_crm", "effect": "allow", "cooldownMs": 60000}]
}`

type decisionHarness struct {
	svc       *DecisionService
	policySvc *PolicyService
	authn     *auth.Authenticator
	rawKey    string
	key       *auth.APIKey
	envID     string
	policyID  string
	sessions  *memory.MemorySessionStore
	policies  *memory.MemoryPolicyStore
	auths     *memory.AuthStore
	audits    *memory.MemoryAuditStore
	auditSvc  *AuditService
	// stopAudit flushes and stops the audit worker; safe to call twice.
	stopAudit func()
}

func newDecisionHarness(t *testing.T, rawSpec string, limits DecisionLimits) *decisionHarness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	auths := memory.NewAuthStore()
	const envID = "env-test"
	if err := auths.CreateEnv(ctx, &auth.Environment{ID: envID, Name: "Test", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create env: %v", err)
	}
	rawKey, key, err := auth.Mint(envID, "harness", auth.DefaultPrefixLength, time.Now())
	if err != nil {
		t.Fatalf("mint key: %v", err)
	}
	if err := auths.Create(ctx, key); err != nil {
		t.Fatalf("store key: %v", err)
	}

	policies := memory.NewPolicyStore()
	policySvc := NewPolicyService(policies, auths, logger)
	draft, err := policySvc.CreateDraft(ctx, envID, "harness-policy")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if _, err := policySvc.SaveDraft(ctx, draft.ID, []byte(rawSpec)); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := policySvc.Publish(ctx, draft.ID, "harness"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	audits := memory.NewAuditStore()
	auditSvc := NewAuditService(audits, logger, WithFlushInterval(10*time.Millisecond))
	auditSvc.Start(ctx)
	stop := sync.OnceFunc(auditSvc.Stop)
	t.Cleanup(stop)

	authn := auth.NewAuthenticator(auths, 20, auth.DefaultPrefixLength)
	sessions := memory.NewSessionStore()
	svc := NewDecisionService(DecisionDeps{
		Policies: policies,
		Sessions: sessions,
		Auth:     authn,
		Limiter:  memory.NewRateLimiter(),
		Audits:   auditSvc,
		Logger:   logger,
	}, limits)

	return &decisionHarness{
		svc:       svc,
		policySvc: policySvc,
		authn:     authn,
		rawKey:    rawKey,
		key:       key,
		envID:     envID,
		policyID:  draft.ID,
		sessions:  sessions,
		policies:  policies,
		auths:     auths,
		audits:    audits,
		auditSvc:  auditSvc,
		stopAudit: stop,
	}
}

// check runs one decision and fails the test on request-path errors.
// Only for use on the test goroutine.
func (h *decisionHarness) check(t *testing.T, sessionID, tool string, payload map[string]any) *CheckResult {
	t.Helper()
	res, err := h.svc.Check(context.Background(), h.rawKey, CheckInput{
		SessionID: sessionID,
		AgentID:   "agent-1",
		ToolName:  tool,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("Check(%s, %s): %v", sessionID, tool, err)
	}
	return res
}

func hasCode(res *CheckResult, code decision.Code) bool {
	for _, r := range res.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestCheck_RefundScenarios(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})
	payload := map[string]any{"orderId": "o1", "amount": 100}

	// Refund before verification: wrong state, and the prior-tool
	// requirement fails too.
	res := h.check(t, "s1", "refund_payment", payload)
	if res.Allowed {
		t.Fatal("refund_payment allowed before verification")
	}
	if res.ErrorCode != decision.CodeRequiredStateNotMet {
		t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, decision.CodeRequiredStateNotMet)
	}
	if !hasCode(res, decision.CodeRequiredToolsNotCalled) {
		t.Errorf("reasons %v missing %q", res.Reasons, decision.CodeRequiredToolsNotCalled)
	}
	if res.StateBefore != "initial" || res.StateAfter != "initial" {
		t.Errorf("state %s -> %s, want initial -> initial", res.StateBefore, res.StateAfter)
	}

	// Verification succeeds and moves the state machine.
	res = h.check(t, "s1", "verify_identity", map[string]any{})
	if !res.Allowed {
		t.Fatalf("verify_identity blocked: %v", res.Reasons)
	}
	if res.StateBefore != "initial" || res.StateAfter != "verified" {
		t.Errorf("state %s -> %s, want initial -> verified", res.StateBefore, res.StateAfter)
	}
	if !hasCode(res, decision.CodeStateTransition) {
		t.Errorf("reasons %v missing %q", res.Reasons, decision.CodeStateTransition)
	}

	// The refund goes through and issues.
	res = h.check(t, "s1", "refund_payment", payload)
	if !res.Allowed {
		t.Fatalf("refund_payment blocked after verification: %v", res.Reasons)
	}
	if res.StateBefore != "verified" || res.StateAfter != "refund_issued" {
		t.Errorf("state %s -> %s, want verified -> refund_issued", res.StateBefore, res.StateAfter)
	}

	// A second refund hits the per-session ceiling and the state stays put.
	// The state requirement fails first in check order, so it carries the
	// errorCode; the ceiling appears in the reason chain.
	res = h.check(t, "s1", "refund_payment", payload)
	if res.Allowed {
		t.Fatal("second refund_payment allowed")
	}
	if res.ErrorCode != decision.CodeRequiredStateNotMet {
		t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, decision.CodeRequiredStateNotMet)
	}
	if !hasCode(res, decision.CodeMaxCallsExceeded) {
		t.Errorf("reasons %v missing %q", res.Reasons, decision.CodeMaxCallsExceeded)
	}
	if res.StateAfter != "refund_issued" {
		t.Errorf("StateAfter = %q, want unchanged refund_issued", res.StateAfter)
	}

	// Unknown tool under defaultDecision deny.
	res = h.check(t, "s1", "delete_database", nil)
	if res.Allowed {
		t.Fatal("delete_database allowed")
	}
	if res.ErrorCode != decision.CodeUnknownToolDenied {
		t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, decision.CodeUnknownToolDenied)
	}

	if res.PolicyVersionUsed != 1 {
		t.Errorf("PolicyVersionUsed = %d, want 1", res.PolicyVersionUsed)
	}
	if res.PolicyHash == "" {
		t.Error("PolicyHash is empty")
	}
}

func TestCheck_CooldownBlocksImmediateRepeat(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, cooldownSpec, DecisionLimits{})

	if res := h.check(t, "cd-1", "sync_crm", nil); !res.Allowed {
		t.Fatalf("first call blocked: %v", res.Reasons)
	}
	res := h.check(t, "cd-1", "sync_crm", nil)
	if res.Allowed {
		t.Fatal("second call within cooldown allowed")
	}
	if res.ErrorCode != decision.CodeCooldownActive {
		t.Fatalf("ErrorCode = %q, want %q", res.ErrorCode, decision.CodeCooldownActive)
	}
	if msg := res.Reasons[0].Message; !strings.Contains(msg, "ms remaining") {
		t.Errorf("reason message %q does not report remaining milliseconds", msg)
	}
}

func TestCheck_BlockedCallLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})
	ctx := context.Background()
	payload := map[string]any{"orderId": "o1", "amount": 100}

	h.check(t, "s1", "refund_payment", payload)
	first, err := h.sessions.Get(ctx, h.envID, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	h.check(t, "s1", "refund_payment", payload)
	second, err := h.sessions.Get(ctx, h.envID, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("blocked call mutated the session:\nbefore %+v\nafter  %+v", first, second)
	}
}

func TestCheck_SessionKeepsLockedVersionAcrossRepublish(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})
	ctx := context.Background()

	res := h.check(t, "s1", "verify_identity", nil)
	if res.PolicyVersionUsed != 1 {
		t.Fatalf("PolicyVersionUsed = %d, want 1", res.PolicyVersionUsed)
	}

	// Republish with an allow-everything spec.
	if _, err := h.policySvc.SaveDraft(ctx, h.policyID, []byte(openSpec)); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := h.policySvc.Publish(ctx, h.policyID, "harness"); err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	// The existing session still evaluates its locked version.
	res = h.check(t, "s1", "delete_database", nil)
	if res.Allowed {
		t.Error("locked session admitted a tool only v2 allows")
	}
	if res.PolicyVersionUsed != 1 {
		t.Errorf("PolicyVersionUsed = %d, want locked 1", res.PolicyVersionUsed)
	}

	// A fresh session picks up the new version.
	res = h.check(t, "s2", "delete_database", nil)
	if !res.Allowed {
		t.Errorf("new session blocked under v2: %v", res.Reasons)
	}
	if res.PolicyVersionUsed != 2 {
		t.Errorf("PolicyVersionUsed = %d, want 2", res.PolicyVersionUsed)
	}
}

func TestCheck_ParallelCallsSingleAdmission(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, singleCallSpec, DecisionLimits{})
	ctx := context.Background()

	results := make(chan *CheckResult, 2)
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Check(ctx, h.rawKey, CheckInput{
				SessionID: "race-1",
				AgentID:   "agent-1",
				ToolName:  "ping",
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent check failed: %v", err)
	}
	var allowed, blocked int
	for res := range results {
		if res.Allowed {
			allowed++
			continue
		}
		blocked++
		if res.ErrorCode != decision.CodeMaxCallsExceeded {
			t.Errorf("blocked ErrorCode = %q, want %q", res.ErrorCode, decision.CodeMaxCallsExceeded)
		}
	}
	if allowed != 1 || blocked != 1 {
		t.Fatalf("allowed/blocked = %d/%d, want exactly 1/1", allowed, blocked)
	}

	sess, err := h.sessions.Get(ctx, h.envID, "race-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var pings int
	for _, tool := range sess.ToolCallsHistory {
		if tool == "ping" {
			pings++
		}
	}
	if pings != 1 {
		t.Errorf("history has %d ping entries, want 1", pings)
	}
	if got := sess.ToolCallCounts["ping"]; got != 1 {
		t.Errorf("ToolCallCounts[ping] = %d, want 1", got)
	}
}

func TestCheck_InvalidKey(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, openSpec, DecisionLimits{})

	_, err := h.svc.Check(context.Background(), "wdn_00000000000000000000000000000000", CheckInput{
		SessionID: "s1", AgentID: "agent-1", ToolName: "ping",
	})
	if !errors.Is(err, auth.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestCheck_RevokedKey(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, openSpec, DecisionLimits{})
	ctx := context.Background()

	if err := h.auths.Revoke(ctx, h.key.ID, time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err := h.svc.Check(ctx, h.rawKey, CheckInput{
		SessionID: "s1", AgentID: "agent-1", ToolName: "ping",
	})
	if !errors.Is(err, auth.ErrKeyRevoked) {
		t.Fatalf("err = %v, want ErrKeyRevoked", err)
	}
}

func TestCheck_RateLimited(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, openSpec, DecisionLimits{RequestsPerMinute: 2})
	ctx := context.Background()

	// Six requests against a limit of two must trip the window even if one
	// minute boundary falls in the middle.
	var rle *RateLimitedError
	for i := 0; i < 6; i++ {
		_, err := h.svc.Check(ctx, h.rawKey, CheckInput{
			SessionID: "s1", AgentID: "agent-1", ToolName: "ping",
		})
		if err == nil {
			continue
		}
		if errors.As(err, &rle) {
			break
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if rle == nil {
		t.Fatal("rate limit never tripped")
	}
	if rle.Limit != 2 {
		t.Errorf("Limit = %d, want 2", rle.Limit)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within (0, 1m]", rle.RetryAfter)
	}
}

func TestCheck_NoPublishedPolicy(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, openSpec, DecisionLimits{})
	ctx := context.Background()

	// A second environment with a key but no published policy.
	if err := h.auths.CreateEnv(ctx, &auth.Environment{ID: "env-empty", Name: "Empty", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create env: %v", err)
	}
	rawKey, key, err := auth.Mint("env-empty", "bare", auth.DefaultPrefixLength, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.auths.Create(ctx, key); err != nil {
		t.Fatalf("store key: %v", err)
	}

	_, err = h.svc.Check(ctx, rawKey, CheckInput{
		SessionID: "s1", AgentID: "agent-1", ToolName: "ping",
	})
	if !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("err = %v, want policy.ErrNotFound", err)
	}
}

// versionGoneStore simulates an immutable version row vanishing, for the
// locked-version failure path.
type versionGoneStore struct {
	policy.Store
	goneVersion int
}

func (s *versionGoneStore) GetByIDAndVersion(ctx context.Context, policyID string, version int) (*policy.VersionRecord, error) {
	if version == s.goneVersion {
		return nil, policy.ErrVersionNotFound
	}
	return s.Store.GetByIDAndVersion(ctx, policyID, version)
}

func TestCheck_LockedVersionUnretrievable(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Session s1 locks v1, then v2 replaces it as published.
	h.check(t, "s1", "verify_identity", nil)
	if _, err := h.policySvc.SaveDraft(ctx, h.policyID, []byte(openSpec)); err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if _, err := h.policySvc.Publish(ctx, h.policyID, "harness"); err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	// A service whose store has lost v1: the locked load must surface
	// ErrVersionNotFound rather than fall back to the published spec.
	svc := NewDecisionService(DecisionDeps{
		Policies: &versionGoneStore{Store: h.policies, goneVersion: 1},
		Sessions: h.sessions,
		Auth:     h.authn,
		Limiter:  memory.NewRateLimiter(),
		Audits:   h.auditSvc,
		Logger:   logger,
	}, DecisionLimits{})

	_, err := svc.Check(ctx, h.rawKey, CheckInput{
		SessionID: "s1", AgentID: "agent-1", ToolName: "verify_identity",
	})
	if !errors.Is(err, policy.ErrVersionNotFound) {
		t.Fatalf("err = %v, want policy.ErrVersionNotFound", err)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, keyID string, limit int, nowMs int64) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("backend down")
}

func TestCheck_StoreFailureFailsClosed(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, openSpec, DecisionLimits{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewDecisionService(DecisionDeps{
		Policies: h.policies,
		Sessions: h.sessions,
		Auth:     h.authn,
		Limiter:  failingLimiter{},
		Audits:   h.auditSvc,
		Logger:   logger,
	}, DecisionLimits{})

	res, err := svc.Check(context.Background(), h.rawKey, CheckInput{
		SessionID: "s1", AgentID: "agent-1", ToolName: "ping",
	})
	if res != nil {
		t.Fatal("got a decision despite the limiter being down")
	}
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
}

func TestCheck_AuditTrail(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})
	ctx := context.Background()
	payload := map[string]any{
		"orderId": "o1",
		"amount":  100,
		"note":    "card 4111 1111 1111 1111",
	}

	blockedRes := h.check(t, "s1", "refund_payment", payload)
	h.check(t, "s1", "verify_identity", nil)
	h.stopAudit()

	entries, err := h.audits.ListBySession(ctx, h.envID, "s1", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}

	blocked := entries[0]
	if blocked.Decision != audit.DecisionBlocked {
		t.Errorf("Decision = %q, want %q", blocked.Decision, audit.DecisionBlocked)
	}
	if blocked.ErrorCode != string(decision.CodeRequiredStateNotMet) {
		t.Errorf("ErrorCode = %q, want %q", blocked.ErrorCode, decision.CodeRequiredStateNotMet)
	}
	if blocked.StateBefore != "initial" || blocked.StateAfter != "initial" {
		t.Errorf("state %s -> %s, want initial -> initial", blocked.StateBefore, blocked.StateAfter)
	}
	if got := blocked.RedactedPayload["note"]; got != "card [REDACTED:CC]" {
		t.Errorf("RedactedPayload[note] = %v, want card digits redacted", got)
	}
	if blocked.APIKeyID != h.key.ID {
		t.Errorf("APIKeyID = %q, want %q", blocked.APIKeyID, h.key.ID)
	}
	if blocked.PolicyVersionUsed != 1 {
		t.Errorf("PolicyVersionUsed = %d, want 1", blocked.PolicyVersionUsed)
	}
	if blocked.PolicyHash == "" || blocked.PolicyHash != blockedRes.PolicyHash {
		t.Errorf("PolicyHash = %q, want the hash the response carried (%q)", blocked.PolicyHash, blockedRes.PolicyHash)
	}

	allowed := entries[1]
	if allowed.Decision != audit.DecisionAllowed {
		t.Errorf("Decision = %q, want %q", allowed.Decision, audit.DecisionAllowed)
	}
	if allowed.ErrorCode != "" {
		t.Errorf("ErrorCode = %q, want empty on allowed", allowed.ErrorCode)
	}
	if allowed.StateBefore != "initial" || allowed.StateAfter != "verified" {
		t.Errorf("state %s -> %s, want initial -> verified", allowed.StateBefore, allowed.StateAfter)
	}
	if allowed.RedactedPayload == nil || len(allowed.RedactedPayload) != 0 {
		t.Errorf("RedactedPayload = %v, want empty object for nil payload", allowed.RedactedPayload)
	}
}

func TestCheck_SpecCacheReuse(t *testing.T) {
	t.Parallel()
	h := newDecisionHarness(t, refundFlowSpec, DecisionLimits{})

	for i := 0; i < 5; i++ {
		h.check(t, fmt.Sprintf("s%d", i), "verify_identity", nil)
	}
	if got := h.svc.SpecCacheSize(); got != 1 {
		t.Errorf("SpecCacheSize() = %d, want 1 entry for one published version", got)
	}
}

func TestSpecCache_LRU(t *testing.T) {
	t.Parallel()
	c := NewSpecCache(2)
	a := &policy.Spec{Version: "a"}
	b := &policy.Spec{Version: "b"}
	d := &policy.Spec{Version: "d"}

	c.Put(1, a)
	c.Put(2, b)
	if _, ok := c.Get(1); !ok {
		t.Fatal("entry 1 missing before eviction")
	}
	// 2 is now least recently used; inserting a third evicts it.
	c.Put(3, d)
	if _, ok := c.Get(2); ok {
		t.Error("least recently used entry survived eviction")
	}
	if got, ok := c.Get(1); !ok || got != a {
		t.Errorf("Get(1) = %v, %v; want the promoted entry", got, ok)
	}
	if got, ok := c.Get(3); !ok || got != d {
		t.Errorf("Get(3) = %v, %v; want the inserted entry", got, ok)
	}
	if c.Size() != 2 {
		t.Errorf("Size() = %d, want 2", c.Size())
	}
}
