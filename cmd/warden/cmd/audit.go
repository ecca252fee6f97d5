package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/adapter/outbound/sqlstore"
	"github.com/agent-warden/warden/internal/domain/audit"
	"github.com/agent-warden/warden/internal/service"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
}

var (
	auditEnv      string
	auditSession  string
	auditTool     string
	auditDecision string
	auditCode     string
	auditSince    string
	auditFilter   string
	auditLimit    int
	auditJSON     bool
)

var auditSearchCmd = &cobra.Command{
	Use:   "search --env <env>",
	Short: "Search audit entries",
	Long: `Search the audit log of an environment, newest first.

Column flags (--session, --tool, --decision, --code, --since) narrow the
query in the database. --filter applies a CEL expression on top, with the
entry's fields in scope.

Examples:
  warden audit search --env prod --decision blocked --since 24h
  warden audit search --env prod --tool issue_refund --filter 'errorCode == "MAX_CALLS_EXCEEDED"'
  warden audit search --env prod --filter 'policyVersionUsed < 3 && decision == "allowed"' --json`,
	RunE: runAuditSearch,
}

func init() {
	auditSearchCmd.Flags().StringVar(&auditEnv, "env", "", "environment ID")
	auditSearchCmd.Flags().StringVar(&auditSession, "session", "", "filter by session ID")
	auditSearchCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool name")
	auditSearchCmd.Flags().StringVar(&auditDecision, "decision", "", "filter by decision (allowed or blocked)")
	auditSearchCmd.Flags().StringVar(&auditCode, "code", "", "filter by error code")
	auditSearchCmd.Flags().StringVar(&auditSince, "since", "", "only entries newer than this duration (e.g. 1h, 24h)")
	auditSearchCmd.Flags().StringVar(&auditFilter, "filter", "", "CEL expression over entry fields")
	auditSearchCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries to print")
	auditSearchCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries as JSON lines")
	_ = auditSearchCmd.MarkFlagRequired("env")

	auditCmd.AddCommand(auditSearchCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	audits, err := service.NewAuditQueryService(sqlstore.NewAuditStore(db), cliLogger())
	if err != nil {
		return fmt.Errorf("create audit query service: %w", err)
	}

	if auditFilter != "" {
		if err := audits.ValidateFilter(auditFilter); err != nil {
			return fmt.Errorf("invalid --filter: %w", err)
		}
	}

	filter := audit.Filter{
		EnvID:     auditEnv,
		SessionID: auditSession,
		ToolName:  auditTool,
		Decision:  auditDecision,
		ErrorCode: auditCode,
		Limit:     auditLimit,
	}
	if auditSince != "" {
		d, err := time.ParseDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries, next, err := audits.Search(ctx, filter, auditFilter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No matching entries.")
		return nil
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	} else {
		for _, e := range entries {
			printAuditEntry(e)
		}
	}

	if next != "" {
		fmt.Fprintf(os.Stderr, "More entries available; narrow the query or raise --limit.\n")
	}
	return nil
}

func printAuditEntry(e audit.Entry) {
	line := fmt.Sprintf("%s  %-7s  %-24s  session=%s",
		e.Timestamp.UTC().Format("2006-01-02 15:04:05"), e.Decision, e.ToolName, e.SessionID)
	if e.ErrorCode != "" {
		line += "  code=" + e.ErrorCode
	}
	if e.StateBefore != e.StateAfter {
		line += fmt.Sprintf("  state=%s>%s", e.StateBefore, e.StateAfter)
	}
	fmt.Println(line)
}
