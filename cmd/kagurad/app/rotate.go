package app

import (
	"fmt"

	"github.com/spf13/cobra"

	kerrors "github.com/JFK/kagura-ai-sub007/pkg/errors"
	"github.com/JFK/kagura-ai-sub007/pkg/vault"
)

func newRotateVaultKeyCommand() *cobra.Command {
	var newKey string
	cmd := &cobra.Command{
		Use:   "rotate-vault-key",
		Short: "Re-encrypt the secret vault under a new key",
		Long: `Decrypt every vault entry with the current API_KEY_SECRET and re-encrypt
it with the key passed via --new-key, in a single transaction. After a
successful rotation, update API_KEY_SECRET to the new key before the next
restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			p, err := openPlatform(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			if p.vault == nil {
				return kerrors.NewValidationError("API_KEY_SECRET is not set; there is no vault to rotate", nil)
			}
			decoded, err := vault.DecodeKey(newKey)
			if err != nil {
				return kerrors.NewValidationError("--new-key must decode to 32 bytes", err)
			}

			if err := p.vault.Rotate(ctx, decoded); err != nil {
				return err
			}
			fmt.Println("vault rotated; update API_KEY_SECRET to the new key before the next restart")
			return nil
		},
	}
	cmd.Flags().StringVar(&newKey, "new-key", "", "Replacement vault key (base64 or raw 32 bytes)")
	_ = cmd.MarkFlagRequired("new-key")
	return cmd
}
