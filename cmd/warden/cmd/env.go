package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/domain/auth"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Create and list environments",
	Long: `Manage environments.

Environments partition everything: policies, API keys, sessions, and audit
entries all belong to exactly one environment, and nothing crosses the
boundary. Typical setups use one per deployment stage (dev, staging, prod).`,
}

var envName string

var envCreateCmd = &cobra.Command{
	Use:   "create <env-id>",
	Short: "Create an environment",
	Long: `Create an environment.

The ID is the stable reference used by keys, policies, and the --env flag
of other commands; the name is display only.

Examples:
  warden env create prod --name Production`,
	Args: cobra.ExactArgs(1),
	RunE: runEnvCreate,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List environments",
	RunE:  runEnvList,
}

func init() {
	envCreateCmd.Flags().StringVar(&envName, "name", "", "display name (default: the ID)")

	envCmd.AddCommand(envCreateCmd)
	envCmd.AddCommand(envListCmd)
	rootCmd.AddCommand(envCmd)
}

func runEnvCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := newKeyService(cfg.Auth.KeyPrefixLength, db)
	env, err := keys.CreateEnv(ctx, args[0], envName)
	if err != nil {
		if errors.Is(err, auth.ErrEnvExists) {
			return fmt.Errorf("environment %q already exists", args[0])
		}
		return err
	}

	fmt.Printf("Environment %q created (%s).\n", env.Name, env.ID)
	return nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := newKeyService(cfg.Auth.KeyPrefixLength, db)
	envs, err := keys.ListEnvs(ctx)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("No environments. Create one with \"warden env create <id>\".")
		return nil
	}

	fmt.Printf("%-20s %-24s %s\n", "ID", "NAME", "CREATED")
	for _, e := range envs {
		fmt.Printf("%-20s %-24s %s\n", e.ID, e.Name, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return nil
}
