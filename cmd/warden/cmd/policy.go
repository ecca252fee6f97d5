package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agent-warden/warden/internal/adapter/outbound/sqlstore"
	"github.com/agent-warden/warden/internal/domain/policy"
	"github.com/agent-warden/warden/internal/service"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate, publish, and inspect policies",
	Long: `Work with policy documents.

Policy documents are written as YAML or JSON and validated against the
policy schema before any write. Publishing freezes an immutable version;
sessions created afterwards evaluate against it, sessions created before
keep the version they started with.`,
}

var (
	policyFile  string
	policyEnv   string
	policyName  string
	publishedBy string
)

var policyValidateCmd = &cobra.Command{
	Use:   "validate -f policy.yaml",
	Short: "Validate a policy document",
	Long: `Validate a policy document without touching the database.

Prints every issue found, or the canonical hash when the document is valid.

Examples:
  warden policy validate -f refund-policy.yaml`,
	RunE: runPolicyValidate,
}

var policyPublishCmd = &cobra.Command{
	Use:   "publish -f policy.yaml --env <env>",
	Short: "Publish a policy document",
	Long: `Validate a policy document and publish it to an environment.

The document is saved as a draft of the named policy (created when absent,
named after the file unless --name is given) and published in one step. The
previously published policy of the environment, if any, is archived.

Examples:
  warden policy publish -f refund-policy.yaml --env prod
  warden policy publish -f refund-policy.yaml --env prod --name refunds --by alice`,
	RunE: runPolicyPublish,
}

var policyShowCmd = &cobra.Command{
	Use:   "show [policy-id]",
	Short: "Show a policy",
	Long: `Show a policy record and its spec.

With a policy ID, shows that record. With --env and no ID, shows the
environment's currently published policy.

Examples:
  warden policy show --env prod
  warden policy show 2f9c0e1a-7b8d-4f3e-9a2b-5c6d7e8f9a0b`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyShow,
}

func init() {
	policyValidateCmd.Flags().StringVarP(&policyFile, "file", "f", "", "policy document (YAML or JSON)")
	_ = policyValidateCmd.MarkFlagRequired("file")

	policyPublishCmd.Flags().StringVarP(&policyFile, "file", "f", "", "policy document (YAML or JSON)")
	policyPublishCmd.Flags().StringVar(&policyEnv, "env", "", "environment ID")
	policyPublishCmd.Flags().StringVar(&policyName, "name", "", "policy name (default: file name without extension)")
	policyPublishCmd.Flags().StringVar(&publishedBy, "by", "cli", "publisher recorded on the version")
	_ = policyPublishCmd.MarkFlagRequired("file")
	_ = policyPublishCmd.MarkFlagRequired("env")

	policyShowCmd.Flags().StringVar(&policyEnv, "env", "", "environment ID (show the published policy)")

	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyPublishCmd)
	policyCmd.AddCommand(policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	raw, err := specFromFile(policyFile)
	if err != nil {
		return err
	}

	if _, issues := policy.ValidateSpec(raw); len(issues) > 0 {
		fmt.Fprintf(os.Stderr, "%s: %d issue(s)\n", policyFile, len(issues))
		for _, iss := range issues {
			if iss.Path != "" {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", iss.Path, iss.Message)
			} else {
				fmt.Fprintf(os.Stderr, "  %s\n", iss.Message)
			}
		}
		return fmt.Errorf("policy document is invalid")
	}

	hash, err := policy.HashRaw(raw)
	if err != nil {
		return fmt.Errorf("hash spec: %w", err)
	}
	fmt.Printf("Policy is valid.\nCanonical hash: %s\n", hash)
	return nil
}

func runPolicyPublish(cmd *cobra.Command, args []string) error {
	raw, err := specFromFile(policyFile)
	if err != nil {
		return err
	}

	name := policyName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(policyFile), filepath.Ext(policyFile))
	}

	ctx := cmd.Context()
	_, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keyStore := sqlstore.NewKeyStore(db)
	policies := service.NewPolicyService(sqlstore.NewPolicyStore(db), keyStore, cliLogger())

	// Reuse the environment's policy of this name when one is live. Archived
	// records are skipped; publishing starts a fresh lineage instead.
	recs, err := policies.List(ctx, policyEnv)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	var rec *policy.Record
	for _, r := range recs {
		if r.Name == name && r.Status != policy.StatusArchived {
			rec = r
			break
		}
	}
	if rec == nil {
		rec, err = policies.CreateDraft(ctx, policyEnv, name)
		if err != nil {
			return fmt.Errorf("create draft: %w", err)
		}
	}

	if _, err := policies.SaveDraft(ctx, rec.ID, raw); err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "%s: %d issue(s)\n", policyFile, len(verr.Issues))
			for _, iss := range verr.Issues {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", iss.Path, iss.Message)
			}
			return fmt.Errorf("policy document is invalid")
		}
		return err
	}

	pub, err := policies.Publish(ctx, rec.ID, publishedBy)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	fmt.Printf("Published %q to %s\n", pub.Name, policyEnv)
	fmt.Printf("  Policy ID: %s\n", pub.ID)
	fmt.Printf("  Version:   %d\n", pub.Version)
	fmt.Printf("  Hash:      %s\n", pub.Hash)
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && policyEnv == "" {
		return fmt.Errorf("provide a policy ID or --env")
	}

	ctx := cmd.Context()
	_, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	policies := service.NewPolicyService(sqlstore.NewPolicyStore(db), sqlstore.NewKeyStore(db), cliLogger())

	var rec *policy.Record
	if len(args) == 1 {
		rec, err = policies.Get(ctx, args[0])
	} else {
		rec, err = policies.GetPublished(ctx, policyEnv)
	}
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fmt.Errorf("policy not found")
		}
		return err
	}

	fmt.Printf("Policy:  %s (%s)\n", rec.Name, rec.ID)
	fmt.Printf("Env:     %s\n", rec.EnvID)
	fmt.Printf("Status:  %s\n", rec.Status)
	fmt.Printf("Version: %d\n", rec.Version)
	if rec.Hash != "" {
		fmt.Printf("Hash:    %s\n", rec.Hash)
	}
	if rec.PublishedAt != nil {
		fmt.Printf("Published: %s\n", rec.PublishedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if len(rec.Spec) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, rec.Spec, "", "  "); err != nil {
			return fmt.Errorf("format spec: %w", err)
		}
		fmt.Printf("\n%s\n", buf.String())
	}
	return nil
}

// specFromFile reads a policy document and returns it as JSON. JSON input
// is valid YAML, so a single YAML pass handles both formats.
func specFromFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s as JSON: %w", path, err)
	}
	return raw, nil
}
