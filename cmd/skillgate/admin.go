package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/auth"
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Generate a token for the operator endpoints",
	Long: `Generates a random admin token and its bcrypt hash. Put the hash in
server.admin_token_hash (or SKILLGATE_SERVER__ADMIN_TOKEN_HASH) and send the
token as "Authorization: Bearer <token>". The token is shown once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		hash, err := auth.HashToken(token)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Token: %s\n", token)
		fmt.Fprintf(out, "Hash:  %s\n", hash)
		return nil
	},
}
