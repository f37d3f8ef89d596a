package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpbundler/mcpbundler-go/internal/storage"
)

var (
	tokenCreatedBy string
	tokenExpiresIn time.Duration

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Manage bundle tokens",
	}

	tokenCreateCmd = &cobra.Command{
		Use:   "create <bundle-id>",
		Short: "Mint a bundle token",
		Long: `Mint a bundle token. The plaintext is printed exactly once; only its
SHA-256 hash is stored.

Examples:
  mcpbundler token create <bundle-id>
  mcpbundler token create <bundle-id> --created-by alice --expires-in 720h`,
		Args: cobra.ExactArgs(1),
		RunE: runTokenCreate,
	}

	tokenRevokeCmd = &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a bundle token",
		Long:  "Revoke a bundle token by plaintext. Revocation is permanent.",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenRevoke,
	}
)

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenCreatedBy, "created-by", "", "Who the token is minted for")
	tokenCreateCmd.Flags().DurationVar(&tokenExpiresIn, "expires-in", 0, "Token lifetime, e.g. 720h (0 = never expires)")

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)
}

func runTokenCreate(_ *cobra.Command, args []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	var expiresAt *time.Time
	if tokenExpiresIn > 0 {
		t := time.Now().Add(tokenExpiresIn)
		expiresAt = &t
	}

	plaintext, rec, err := manager.CreateToken(args[0], tokenCreatedBy, expiresAt)
	if err != nil {
		return err
	}

	fmt.Printf("Token: %s\n", plaintext)
	fmt.Println("Store it now; the plaintext is not recoverable.")
	if rec.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runTokenRevoke(_ *cobra.Command, args []string) error {
	manager, cleanup, err := openManager()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := manager.RevokeToken(storage.HashToken(args[0])); err != nil {
		return err
	}
	fmt.Println("Token revoked")
	return nil
}
