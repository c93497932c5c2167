package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"faceattend/internal/auth"
	"faceattend/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for the HTTP API",
	Long: `Mint a signed access token with JWT_SIGNING_KEY. Admin tokens unlock the
user, sample, attendance and cache endpoints.

Example:
  attendctl token --subject ops --ttl 8h
  attendctl token --role kiosk --subject lobby-kiosk`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := mustGetString(cmd, "role")
		if role != auth.RoleAdmin && role != auth.RoleKiosk {
			return fmt.Errorf("--role must be %s or %s", auth.RoleAdmin, auth.RoleKiosk)
		}
		cfg := config.Load()
		iss, err := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			return err
		}
		token, exp, err := iss.IssueAccess(mustGetString(cmd, "subject"), role, mustGetDuration(cmd, "ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("subject", "admin", "Token subject")
	tokenCmd.Flags().String("role", auth.RoleAdmin, "admin or kiosk")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
}
