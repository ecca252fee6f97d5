package service

import (
	"context"
	"fmt"
	"log/slog"

	celadapter "github.com/agent-warden/warden/internal/adapter/outbound/cel"
	"github.com/agent-warden/warden/internal/domain/audit"
)

// AuditQueryService serves admin reads of the audit log: structured filters
// handled by the store, plus an optional CEL expression applied to each entry
// of the fetched page. The expression never runs on the decision path.
type AuditQueryService struct {
	store  audit.QueryStore
	eval   *celadapter.Evaluator
	logger *slog.Logger
}

// NewAuditQueryService creates a new AuditQueryService.
func NewAuditQueryService(store audit.QueryStore, logger *slog.Logger) (*AuditQueryService, error) {
	eval, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create filter evaluator: %w", err)
	}
	return &AuditQueryService{
		store:  store,
		eval:   eval,
		logger: logger,
	}, nil
}

// ValidateFilter checks a CEL filter expression without running a query.
func (s *AuditQueryService) ValidateFilter(expr string) error {
	return s.eval.ValidateExpression(expr)
}

// Search returns one page of audit entries matching the structured filter,
// newest first, with the next-page cursor. When expr is non-empty it is
// compiled once and applied to every entry of the page, so a page may carry
// fewer than filter.Limit matches; callers follow the cursor for more.
func (s *AuditQueryService) Search(ctx context.Context, filter audit.Filter, expr string) ([]audit.Entry, string, error) {
	entries, next, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, "", fmt.Errorf("query audit log: %w", err)
	}
	if expr == "" {
		return entries, next, nil
	}

	prg, err := s.eval.Compile(expr)
	if err != nil {
		return nil, "", fmt.Errorf("compile filter: %w", err)
	}

	matched := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		ok, err := s.eval.Evaluate(prg, e)
		if err != nil {
			return nil, "", fmt.Errorf("evaluate filter on entry %s: %w", e.ID, err)
		}
		if ok {
			matched = append(matched, e)
		}
	}

	s.logger.Debug("audit search page",
		"env", filter.EnvID,
		"fetched", len(entries),
		"matched", len(matched),
		"has_more", next != "",
	)
	return matched, next, nil
}

// SessionTimeline returns the audit entries for one session, oldest first.
func (s *AuditQueryService) SessionTimeline(ctx context.Context, envID, sessionID string, limit int) ([]audit.Entry, error) {
	entries, err := s.store.ListBySession(ctx, envID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session audit: %w", err)
	}
	return entries, nil
}
