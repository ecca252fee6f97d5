package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-warden/warden/internal/domain/auth"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an admin token for admin.token_hash",
	Long: `Generate an Argon2id hash of an admin bearer token for use in config.

The output is a PHC-format string ("$argon2id$...") which goes directly
into the admin.token_hash config field. The admin API compares incoming
bearer tokens against this hash; the plaintext token is never stored.

Example:
  warden hash-token "my-admin-token"
  # Output: $argon2id$v=19$m=65536,t=1,p=2$...

Security note: The token will appear in shell history.
Consider clearing history after use or using an environment variable:
  warden hash-token "$WARDEN_ADMIN_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashAdminToken(args[0])
		if err != nil {
			return fmt.Errorf("hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
