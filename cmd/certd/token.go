package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/config"
)

var (
	tokenSubject string
	tokenRole    string
	tokenName    string
	tokenEmail   string
	tokenTTL     time.Duration
)

// tokenCmd mints an HS256 bearer token with the service secret, for operators and local testing.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with SKV_JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config load failed: %w", err)
		}
		if tokenRole != auth.RoleLearner && tokenRole != auth.RoleAdmin {
			return fmt.Errorf("role must be %q or %q", auth.RoleLearner, auth.RoleAdmin)
		}
		v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return err
		}
		tok, err := v.Sign(auth.Principal{
			UserID: tokenSubject,
			Role:   tokenRole,
			Name:   tokenName,
			Email:  tokenEmail,
		}, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "learner or admin id (token subject)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleLearner, "learner or admin")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name printed on certificates")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "delivery address for certificates")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")
}
