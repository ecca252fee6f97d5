package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-warden/warden/internal/domain/audit"
	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/decision"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/domain/ratelimit"
	"github.com/agent-warden/warden/internal/domain/session"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxHistoryLength  = 100
	defaultSpecCacheSize     = 256
)

// errSpecCorrupted marks a stored published spec that no longer decodes.
// Published versions are validated before they are written, so this is data
// corruption, not a caller error.
var errSpecCorrupted = errors.New("stored policy spec corrupted")

// specEntry is a doubly-linked list node for the LRU cache.
type specEntry struct {
	key  uint64
	spec *policy.Spec
	prev *specEntry
	next *specEntry
}

// SpecCache provides bounded LRU caching for decoded policy specs, keyed by
// (policyID, version). Published versions are immutable, so entries never
// need invalidation; the bound only caps memory. Thread-safe with Mutex
// (both Get and Put mutate LRU order).
type SpecCache struct {
	mu      sync.Mutex
	entries map[uint64]*specEntry
	head    *specEntry // most recently used
	tail    *specEntry // least recently used
	maxSize int
}

// NewSpecCache creates a new LRU cache with the given max size.
func NewSpecCache(maxSize int) *SpecCache {
	return &SpecCache{
		entries: make(map[uint64]*specEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached spec. Returns (spec, true) on hit, (nil, false) on
// miss. On hit, the entry is promoted to the head (most recently used).
func (c *SpecCache) Get(key uint64) (*policy.Spec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.spec, true
	}
	return nil, false
}

// Put stores a spec in the cache. If at capacity, the least recently used
// entry is evicted.
func (c *SpecCache) Put(key uint64, spec *policy.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.spec = spec
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &specEntry{key: key, spec: spec}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Size returns current cache size.
func (c *SpecCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *SpecCache) moveToHeadLocked(e *specEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *SpecCache) pushHeadLocked(e *specEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *SpecCache) unlinkLocked(e *specEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *SpecCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// specCacheKey hashes a policy identity into the cache key space.
func specCacheKey(policyID string, version int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(policyID)
	_, _ = h.Write([]byte{0}) // separator
	_, _ = h.WriteString(strconv.Itoa(version))
	return h.Sum64()
}

// RateLimitedError reports a request rejected by the per-key minute window.
type RateLimitedError struct {
	Limit      int
	Count      int64
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests this window, limit %d", e.Count, e.Limit)
}

// StoreError marks a storage failure on the decision path. Transports report
// these as DATABASE_UNAVAILABLE; other unexpected failures map to
// INTERNAL_ERROR.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CheckInput is one tool-call decision request, already validated by the
// transport. Payload defaults to an empty object when nil.
type CheckInput struct {
	SessionID  string
	AgentID    string
	ToolName   string
	ActionType policy.ActionType
	Payload    map[string]any
	Metadata   map[string]any
	// RequestID correlates the audit entry with request logs.
	RequestID string
}

// CheckResult is the decided outcome for one tool call. It is produced for
// every evaluated request, allowed or blocked; request-path failures surface
// as errors instead.
type CheckResult struct {
	Allowed             bool
	ErrorCode           decision.Code
	Reasons             []decision.Reason
	PolicyVersionUsed   int
	PolicyHash          string
	StateBefore         string
	StateAfter          string
	Counters            map[string]int64
	ExecutionDurationMs int64
}

// DecisionDeps wires the decision pipeline's collaborators.
type DecisionDeps struct {
	Policies policy.Store
	Sessions session.Store
	Auth     *auth.Authenticator
	Limiter  ratelimit.Limiter
	Audits   *AuditService
	Logger   *slog.Logger
}

// DecisionLimits carries the request-path tunables. Zero values take the
// package defaults.
type DecisionLimits struct {
	RequestsPerMinute int
	MaxHistoryLength  int
	SpecCacheSize     int
}

// DecisionService runs the decision pipeline for tool-call checks: it
// authenticates the caller, enforces the per-key rate window, pins the
// session to its locked policy version, evaluates the call under the
// session's critical section, and records the audit entry.
//
// Evaluation itself is pure; every effect the pipeline has on the session
// happens inside the store's per-session lock, so concurrent checks on one
// session serialize.
type DecisionService struct {
	policies policy.Store
	sessions session.Store
	auth     *auth.Authenticator
	limiter  ratelimit.Limiter
	audits   *AuditService
	specs    *SpecCache
	logger   *slog.Logger
	tracer   trace.Tracer

	requestsPerMinute int
	maxHistory        int
}

// NewDecisionService creates a DecisionService.
func NewDecisionService(deps DecisionDeps, limits DecisionLimits) *DecisionService {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = defaultRequestsPerMinute
	}
	if limits.MaxHistoryLength <= 0 {
		limits.MaxHistoryLength = defaultMaxHistoryLength
	}
	if limits.SpecCacheSize <= 0 {
		limits.SpecCacheSize = defaultSpecCacheSize
	}
	return &DecisionService{
		policies:          deps.Policies,
		sessions:          deps.Sessions,
		auth:              deps.Auth,
		limiter:           deps.Limiter,
		audits:            deps.Audits,
		specs:             NewSpecCache(limits.SpecCacheSize),
		logger:            deps.Logger,
		tracer:            otel.Tracer("warden/decision"),
		requestsPerMinute: limits.RequestsPerMinute,
		maxHistory:        limits.MaxHistoryLength,
	}
}

// Check decides one tool call end to end. On an evaluated decision it
// returns a CheckResult whether the call was allowed or blocked. It returns
// an error only for request-path failures: auth.ErrInvalidKey,
// auth.ErrKeyRevoked, *RateLimitedError, policy.ErrNotFound (no published
// policy), policy.ErrVersionNotFound (locked version unretrievable),
// session.ErrCorrupted, and *StoreError for storage faults. Storage faults
// fail closed; they never admit the call.
func (s *DecisionService) Check(ctx context.Context, rawKey string, in CheckInput) (*CheckResult, error) {
	start := time.Now()
	nowMs := start.UnixMilli()
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}

	ctx, span := s.tracer.Start(ctx, "runtime_check", trace.WithAttributes(
		attribute.String("tool.name", in.ToolName),
		attribute.String("session.id", in.SessionID),
	))
	defer span.End()

	key, err := s.authenticate(ctx, rawKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("env.id", key.EnvID))

	if err := s.enforceRateLimit(ctx, key.ID, nowMs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	published, pubSpec, err := s.loadPublished(ctx, key.EnvID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	sess, created, err := s.ensureSession(ctx, key.EnvID, published, pubSpec, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if created {
		s.logger.Debug("session created",
			"env", key.EnvID,
			"session", in.SessionID,
			"policy", sess.PolicyID,
			"version", sess.PolicyVersionLocked,
		)
	}

	// The critical section: load the locked spec, evaluate, build the audit
	// entry, and apply state. The store retries fn on write conflicts, so fn
	// recomputes from fresh state each attempt and the audit entry is
	// recorded once, after the lock is released.
	var (
		result *CheckResult
		entry  audit.Entry
	)
	lockCtx, lockSpan := s.tracer.Start(ctx, "session.lock")
	err = s.sessions.WithLock(lockCtx, key.EnvID, in.SessionID, func(cur *session.Session) (bool, error) {
		locked, err := s.policies.GetByIDAndVersion(lockCtx, cur.PolicyID, cur.PolicyVersionLocked)
		if err != nil {
			if errors.Is(err, policy.ErrVersionNotFound) {
				return false, fmt.Errorf("locked policy %s v%d: %w", cur.PolicyID, cur.PolicyVersionLocked, err)
			}
			return false, &StoreError{Op: "load locked policy version", Err: err}
		}
		spec, err := s.decodeSpec(locked.PolicyID, locked.Version, locked.Spec)
		if err != nil {
			return false, err
		}

		snap := cur.Snapshot()
		_, evalSpan := s.tracer.Start(lockCtx, "evaluate")
		out := decision.Evaluate(spec, snap, decision.Request{
			ToolName:   in.ToolName,
			ActionType: in.ActionType,
			Payload:    in.Payload,
		}, nowMs)
		evalSpan.SetAttributes(
			attribute.Bool("decision.allowed", out.Allowed),
			attribute.String("decision.error_code", string(out.ErrorCode)),
		)
		evalSpan.End()

		durationMs := time.Since(start).Milliseconds()
		entry = audit.Entry{
			ID:                  uuid.NewString(),
			Timestamp:           time.Now().UTC(),
			EnvID:               key.EnvID,
			SessionID:           in.SessionID,
			RequestID:           in.RequestID,
			APIKeyID:            key.ID,
			ToolName:            in.ToolName,
			ActionType:          string(in.ActionType),
			RedactedPayload:     audit.Redact(in.Payload),
			Decision:            audit.DecisionString(out.Allowed),
			ErrorCode:           string(out.ErrorCode),
			Reasons:             out.Reasons,
			PolicyID:            cur.PolicyID,
			PolicyVersionUsed:   cur.PolicyVersionLocked,
			PolicyHash:          locked.Hash,
			StateBefore:         snap.CurrentState,
			StateAfter:          snap.CurrentState,
			CountersBefore:      snap.Counters,
			CountersAfter:       snap.Counters,
			ExecutionDurationMs: durationMs,
		}
		if out.Allowed {
			entry.StateAfter = out.NewState
			entry.CountersAfter = out.NewCounters
		}
		result = &CheckResult{
			Allowed:             out.Allowed,
			ErrorCode:           out.ErrorCode,
			Reasons:             out.Reasons,
			PolicyVersionUsed:   cur.PolicyVersionLocked,
			PolicyHash:          locked.Hash,
			StateBefore:         snap.CurrentState,
			StateAfter:          entry.StateAfter,
			Counters:            entry.CountersAfter,
			ExecutionDurationMs: durationMs,
		}

		if !out.Allowed {
			return false, nil
		}
		cur.ApplyAllowed(in.ToolName, out, nowMs, s.maxHistory)
		return true, nil
	})
	lockSpan.End()
	if err != nil {
		if result != nil {
			// The decision was computed and the caller will act on it; a
			// failure persisting session state must not retract it. The old
			// state remains and the next call evaluates against it.
			s.logger.Error("session write failed after decision",
				"env", key.EnvID,
				"session", in.SessionID,
				"allowed", result.Allowed,
				"error", err,
			)
		} else {
			span.RecordError(err)
			return nil, s.classifyLockErr(err)
		}
	}

	_, auditSpan := s.tracer.Start(ctx, "audit.enqueue")
	s.audits.Record(entry)
	auditSpan.End()

	span.SetAttributes(attribute.Bool("decision.allowed", result.Allowed))
	return result, nil
}

// authenticate resolves the raw API key. Lookup failures fail closed rather
// than admitting the caller.
func (s *DecisionService) authenticate(ctx context.Context, rawKey string) (*auth.APIKey, error) {
	ctx, span := s.tracer.Start(ctx, "authenticate")
	defer span.End()
	key, err := s.auth.Authenticate(ctx, rawKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) || errors.Is(err, auth.ErrKeyRevoked) {
			return nil, err
		}
		return nil, &StoreError{Op: "authenticate", Err: err}
	}
	return key, nil
}

// enforceRateLimit counts this request against the key's minute window.
func (s *DecisionService) enforceRateLimit(ctx context.Context, keyID string, nowMs int64) error {
	ctx, span := s.tracer.Start(ctx, "rate_limit")
	defer span.End()
	res, err := s.limiter.Allow(ctx, keyID, s.requestsPerMinute, nowMs)
	if err != nil {
		return &StoreError{Op: "rate limit", Err: err}
	}
	if !res.Allowed {
		span.SetAttributes(attribute.Int64("rate.count", res.Count))
		return &RateLimitedError{Limit: s.requestsPerMinute, Count: res.Count, RetryAfter: res.RetryAfter}
	}
	return nil
}

// loadPublished returns the environment's published policy and its decoded
// spec. The spec is always read from the immutable version row, never from
// the record's working copy, which may already hold the next draft.
// policy.ErrNotFound passes through for the transport's 404.
func (s *DecisionService) loadPublished(ctx context.Context, envID string) (*policy.Record, *policy.Spec, error) {
	ctx, span := s.tracer.Start(ctx, "policy.load")
	defer span.End()
	rec, err := s.policies.GetPublished(ctx, envID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return nil, nil, fmt.Errorf("published policy for env %s: %w", envID, err)
		}
		return nil, nil, &StoreError{Op: "load published policy", Err: err}
	}
	spec, err := s.versionSpec(ctx, rec.ID, rec.Version)
	if err != nil {
		return nil, nil, err
	}
	return rec, spec, nil
}

// versionSpec returns the decoded spec for an immutable published version,
// fetching the version row on cache miss. The cache is only ever filled from
// immutable rows.
func (s *DecisionService) versionSpec(ctx context.Context, policyID string, version int) (*policy.Spec, error) {
	if spec, ok := s.specs.Get(specCacheKey(policyID, version)); ok {
		return spec, nil
	}
	ver, err := s.policies.GetByIDAndVersion(ctx, policyID, version)
	if err != nil {
		if errors.Is(err, policy.ErrVersionNotFound) {
			return nil, fmt.Errorf("policy %s v%d: %w", policyID, version, err)
		}
		return nil, &StoreError{Op: "load policy version", Err: err}
	}
	return s.decodeSpec(policyID, version, ver.Spec)
}

// ensureSession returns the session for (envID, sessionID), creating it with
// the published policy frozen in when absent. The frozen version never
// changes afterward, even across republishes.
func (s *DecisionService) ensureSession(ctx context.Context, envID string, pub *policy.Record, spec *policy.Spec, in CheckInput) (*session.Session, bool, error) {
	ctx, span := s.tracer.Start(ctx, "session.ensure")
	defer span.End()
	seed := session.Seed{
		AgentID:         in.AgentID,
		PolicyID:        pub.ID,
		PolicyVersion:   pub.Version,
		InitialState:    spec.InitialState(),
		InitialCounters: spec.InitialCounters(),
		Metadata:        in.Metadata,
	}
	sess, created, err := s.sessions.GetOrCreate(ctx, envID, in.SessionID, seed)
	if err != nil {
		if errors.Is(err, session.ErrCorrupted) {
			return nil, false, fmt.Errorf("load session: %w", err)
		}
		return nil, false, &StoreError{Op: "get or create session", Err: err}
	}
	span.SetAttributes(attribute.Bool("session.created", created))
	return sess, created, nil
}

// decodeSpec returns the decoded spec for an immutable published version,
// via the LRU cache.
func (s *DecisionService) decodeSpec(policyID string, version int, raw json.RawMessage) (*policy.Spec, error) {
	cacheKey := specCacheKey(policyID, version)
	if spec, ok := s.specs.Get(cacheKey); ok {
		return spec, nil
	}
	var spec policy.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode policy %s v%d: %w: %v", policyID, version, errSpecCorrupted, err)
	}
	s.specs.Put(cacheKey, &spec)
	return &spec, nil
}

// classifyLockErr wraps raw storage failures escaping the critical section.
// Errors already classified inside fn pass through unchanged.
func (s *DecisionService) classifyLockErr(err error) error {
	if errors.Is(err, session.ErrCorrupted) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, policy.ErrVersionNotFound) ||
		errors.Is(err, errSpecCorrupted) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: "session critical section", Err: err}
}

// SpecCacheSize reports how many decoded specs are currently cached.
func (s *DecisionService) SpecCacheSize() int {
	return s.specs.Size()
}
