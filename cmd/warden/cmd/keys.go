package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/adapter/outbound/sqlstore"
	"github.com/agent-warden/warden/internal/domain/auth"
	"github.com/agent-warden/warden/internal/service"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Mint, revoke, and list runtime API keys",
	Long: `Manage the API keys agents use on /runtime-check.

Keys are stored hashed; the raw key is printed exactly once when minted.
Revocation takes effect on the next request that presents the key.`,
}

var (
	keyEnv  string
	keyName string
)

var keysCreateCmd = &cobra.Command{
	Use:   "create --env <env> --name <name>",
	Short: "Mint a new API key",
	Long: `Mint a new API key in an environment.

The raw key is printed once and never recoverable afterwards; only its
hash is stored.

Examples:
  warden keys create --env prod --name checkout-agent`,
	RunE: runKeysCreate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

var keysListCmd = &cobra.Command{
	Use:   "list --env <env>",
	Short: "List the API keys of an environment",
	RunE:  runKeysList,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyEnv, "env", "", "environment ID")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "display name for the key")
	_ = keysCreateCmd.MarkFlagRequired("env")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysListCmd.Flags().StringVar(&keyEnv, "env", "", "environment ID")
	_ = keysListCmd.MarkFlagRequired("env")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

func newKeyService(cfgPrefixLen int, db *sqlstore.DB) *service.KeyService {
	keyStore := sqlstore.NewKeyStore(db)
	return service.NewKeyService(keyStore, keyStore, cfgPrefixLen, cliLogger())
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := newKeyService(cfg.Auth.KeyPrefixLength, db)
	rawKey, key, err := keys.MintKey(ctx, keyEnv, keyName)
	if err != nil {
		if errors.Is(err, auth.ErrEnvNotFound) {
			return fmt.Errorf("environment %q not found (create it with \"warden env create %s\")", keyEnv, keyEnv)
		}
		return err
	}

	fmt.Printf("API key minted for %q in %s\n", keyName, keyEnv)
	fmt.Printf("  Key ID: %s\n", key.ID)
	fmt.Printf("  Prefix: %s\n", key.Prefix)
	fmt.Fprintf(os.Stderr, "\n  Raw key (shown once, only its hash is stored):\n\n    %s\n\n", rawKey)
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := newKeyService(cfg.Auth.KeyPrefixLength, db)
	if err := keys.RevokeKey(ctx, args[0]); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return fmt.Errorf("key %q not found", args[0])
		}
		return err
	}

	fmt.Printf("Key %s revoked.\n", args[0])
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, db, err := loadAndOpen(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	keys := newKeyService(cfg.Auth.KeyPrefixLength, db)
	list, err := keys.ListKeys(ctx, keyEnv)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Printf("No keys in %s.\n", keyEnv)
		return nil
	}

	fmt.Printf("%-38s %-20s %-12s %-20s %s\n", "ID", "NAME", "PREFIX", "CREATED", "STATUS")
	for _, k := range list {
		status := "active"
		if k.Revoked() {
			status = "revoked"
		}
		fmt.Printf("%-38s %-20s %-12s %-20s %s\n",
			k.ID, k.Name, k.Prefix, k.CreatedAt.UTC().Format("2006-01-02 15:04:05"), status)
	}
	return nil
}
