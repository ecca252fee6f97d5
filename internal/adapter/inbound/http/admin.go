package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agent-warden/warden/internal/domain/audit"
	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/service"
)

// Admin error codes. Separate vocabulary from decision codes: these describe
// control-plane failures, not runtime decisions.
const (
	adminCodeUnauthorized    = "UNAUTHORIZED"
	adminCodeInvalidInput    = "INVALID_INPUT"
	adminCodeEnvNotFound     = "ENV_NOT_FOUND"
	adminCodeEnvExists       = "ENV_EXISTS"
	adminCodeKeyNotFound     = "KEY_NOT_FOUND"
	adminCodePolicyNotFound  = "POLICY_NOT_FOUND"
	adminCodeVersionNotFound = "VERSION_NOT_FOUND"
	adminCodePolicyInvalid   = "POLICY_INVALID"
	adminCodeNoDraftSpec     = "NO_DRAFT_SPEC"
	adminCodePolicyArchived  = "POLICY_ARCHIVED"
	adminCodePublishConflict = "PUBLISH_CONFLICT"
	adminCodeFilterInvalid   = "FILTER_INVALID"
	adminCodeInternal        = "INTERNAL_ERROR"
)

// maxSpecBytes bounds PUT draft bodies. Policy specs are configuration, not
// data; anything near this size is a mistake.
const maxSpecBytes = 1 << 20

// AdminAPI serves the control plane: environments, policies, API keys, and
// audit queries. All routes require the admin bearer token.
type AdminAPI struct {
	policies  *service.PolicyService
	keys      *service.KeyService
	audits    *service.AuditQueryService
	tokenHash string
	logger    *slog.Logger
}

// NewAdminAPI creates the admin surface. tokenHash is the Argon2id hash of
// the bearer token; when empty every admin request is rejected, which is the
// safe default for deployments that never configured one.
func NewAdminAPI(
	policies *service.PolicyService,
	keys *service.KeyService,
	audits *service.AuditQueryService,
	tokenHash string,
	logger *slog.Logger,
) *AdminAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAPI{
		policies:  policies,
		keys:      keys,
		audits:    audits,
		tokenHash: tokenHash,
		logger:    logger,
	}
}

// Routes builds the admin mux. All handlers sit behind requireToken.
func (a *AdminAPI) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/api/envs", a.handleCreateEnv)
	mux.HandleFunc("GET /admin/api/envs", a.handleListEnvs)

	mux.HandleFunc("POST /admin/api/policies", a.handleCreatePolicy)
	mux.HandleFunc("GET /admin/api/policies", a.handleListPolicies)
	mux.HandleFunc("GET /admin/api/policies/{id}", a.handleGetPolicy)
	mux.HandleFunc("PUT /admin/api/policies/{id}/draft", a.handleSaveDraft)
	mux.HandleFunc("POST /admin/api/policies/{id}/publish", a.handlePublish)
	mux.HandleFunc("POST /admin/api/policies/validate", a.handleValidateSpec)
	mux.HandleFunc("GET /admin/api/policies/{id}/versions", a.handleListVersions)
	mux.HandleFunc("GET /admin/api/policies/{id}/versions/{version}", a.handleGetVersion)

	mux.HandleFunc("POST /admin/api/keys", a.handleMintKey)
	mux.HandleFunc("GET /admin/api/keys", a.handleListKeys)
	mux.HandleFunc("DELETE /admin/api/keys/{id}", a.handleRevokeKey)

	mux.HandleFunc("GET /admin/api/audit", a.handleQueryAudit)
	mux.HandleFunc("GET /admin/api/sessions/{id}/timeline", a.handleSessionTimeline)

	return a.requireToken(mux)
}

// requireToken authenticates the Authorization bearer token against the
// configured Argon2id hash. An unset hash disables the admin API entirely.
func (a *AdminAPI) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokenHash == "" {
			a.respondError(w, http.StatusUnauthorized, adminCodeUnauthorized, "admin API is not configured")
			return
		}
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			a.respondError(w, http.StatusUnauthorized, adminCodeUnauthorized, "missing bearer token")
			return
		}
		if !auth.VerifyAdminToken(token, a.tokenHash) {
			a.respondError(w, http.StatusUnauthorized, adminCodeUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- environments ---

func (a *AdminAPI) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "request body is not valid JSON")
		return
	}
	env, err := a.keys.CreateEnv(r.Context(), req.ID, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, env)
}

func (a *AdminAPI) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	envs, err := a.keys.ListEnvs(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

// --- policies ---

func (a *AdminAPI) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvID string `json:"envId"`
		Name  string `json:"name"`
	}
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "request body is not valid JSON")
		return
	}
	rec, err := a.policies.CreateDraft(r.Context(), req.EnvID, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, rec)
}

func (a *AdminAPI) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	envID := r.URL.Query().Get("env")
	if envID == "" {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "env query parameter is required")
		return
	}
	records, err := a.policies.List(r.Context(), envID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"policies": records})
}

func (a *AdminAPI) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := a.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

// handleSaveDraft takes the raw spec document as the request body.
func (a *AdminAPI) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		a.respondError(w, http.StatusRequestEntityTooLarge, adminCodeInvalidInput, "spec document too large")
		return
	}
	rec, err := a.policies.SaveDraft(r.Context(), r.PathValue("id"), raw)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

func (a *AdminAPI) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublishedBy string `json:"publishedBy"`
	}
	// Body is optional; publish with no body records an empty publisher.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	rec, err := a.policies.Publish(r.Context(), r.PathValue("id"), req.PublishedBy)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

// handleValidateSpec dry-runs validation without touching any record.
func (a *AdminAPI) handleValidateSpec(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		a.respondError(w, http.StatusRequestEntityTooLarge, adminCodeInvalidInput, "spec document too large")
		return
	}
	issues := a.policies.Validate(raw)
	a.respondJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

func (a *AdminAPI) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.policies.ListVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (a *AdminAPI) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "version must be a positive integer")
		return
	}
	rec, err := a.policies.GetVersion(r.Context(), r.PathValue("id"), version)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

// --- API keys ---

// handleMintKey returns the raw secret exactly once; only the hash is stored.
func (a *AdminAPI) handleMintKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvID string `json:"envId"`
		Name  string `json:"name"`
	}
	if err := a.readJSON(r, &req); err != nil {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "request body is not valid JSON")
		return
	}
	raw, key, err := a.keys.MintKey(r.Context(), req.EnvID, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusCreated, map[string]any{
		"apiKey": key,
		"secret": raw,
	})
}

func (a *AdminAPI) handleListKeys(w http.ResponseWriter, r *http.Request) {
	envID := r.URL.Query().Get("env")
	if envID == "" {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "env query parameter is required")
		return
	}
	keys, err := a.keys.ListKeys(r.Context(), envID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *AdminAPI) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := a.keys.RevokeKey(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- audit ---

func (a *AdminAPI) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	envID := q.Get("env")
	if envID == "" {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "env query parameter is required")
		return
	}

	filter := audit.Filter{
		EnvID:     envID,
		SessionID: q.Get("session"),
		ToolName:  q.Get("tool"),
		Decision:  q.Get("decision"),
		ErrorCode: q.Get("errorCode"),
		Cursor:    q.Get("cursor"),
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "since must be RFC 3339")
			return
		}
		filter.Since = ts
	}
	if raw := q.Get("until"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "until must be RFC 3339")
			return
		}
		filter.Until = ts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	expr := q.Get("filter")
	if expr != "" {
		if err := a.audits.ValidateFilter(expr); err != nil {
			a.respondError(w, http.StatusBadRequest, adminCodeFilterInvalid, err.Error())
			return
		}
	}

	entries, cursor, err := a.audits.Search(r.Context(), filter, expr)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"nextCursor": cursor,
	})
}

func (a *AdminAPI) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	envID := r.URL.Query().Get("env")
	if envID == "" {
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "env query parameter is required")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := a.audits.SessionTimeline(r.Context(), envID, r.PathValue("id"), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// --- helpers ---

// writeServiceError maps domain and service errors onto the admin error
// vocabulary. Unrecognized errors stay generic and are logged server-side.
func (a *AdminAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *service.ValidationError

	switch {
	case errors.As(err, &valErr):
		a.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "policy spec failed validation",
			"code":   adminCodePolicyInvalid,
			"issues": valErr.Issues,
		})
	case errors.Is(err, auth.ErrEnvNotFound):
		a.respondError(w, http.StatusNotFound, adminCodeEnvNotFound, "environment not found")
	case errors.Is(err, auth.ErrEnvExists):
		a.respondError(w, http.StatusConflict, adminCodeEnvExists, "environment already exists")
	case errors.Is(err, auth.ErrKeyNotFound):
		a.respondError(w, http.StatusNotFound, adminCodeKeyNotFound, "API key not found")
	case errors.Is(err, policy.ErrVersionNotFound):
		a.respondError(w, http.StatusNotFound, adminCodeVersionNotFound, "policy version not found")
	case errors.Is(err, policy.ErrNotFound):
		a.respondError(w, http.StatusNotFound, adminCodePolicyNotFound, "policy not found")
	case errors.Is(err, service.ErrNoDraftSpec):
		a.respondError(w, http.StatusConflict, adminCodeNoDraftSpec, "policy has no draft spec to publish")
	case errors.Is(err, policy.ErrArchived):
		a.respondError(w, http.StatusConflict, adminCodePolicyArchived, "policy is archived")
	case errors.Is(err, policy.ErrPublishConflict):
		a.respondError(w, http.StatusConflict, adminCodePublishConflict, "a concurrent publish won; retry")
	case errors.Is(err, service.ErrEmptyName):
		a.respondError(w, http.StatusBadRequest, adminCodeInvalidInput, err.Error())
	default:
		a.logger.Error("admin request failed",
			"error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		a.respondError(w, http.StatusInternalServerError, adminCodeInternal, "internal error")
	}
}

func (a *AdminAPI) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (a *AdminAPI) respondError(w http.ResponseWriter, status int, code, message string) {
	a.respondJSON(w, status, map[string]string{"error": message, "code": code})
}

func (a *AdminAPI) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
