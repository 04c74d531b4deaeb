package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/terminal-bench/csarunner/internal/auth"
)

var (
	tokenTTL   time.Duration
	tokenWrite bool
)

var tokenCmd = &cobra.Command{
	Use:   "token [subject]",
	Short: "Issue an API token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not configured")
		}
		scopes := []string{auth.ScopeRead}
		if tokenWrite {
			scopes = append(scopes, auth.ScopeWrite)
		}
		token, err := auth.NewVerifier(cfg.JWTSecret).Issue(args[0], tokenTTL, scopes...)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenWrite, "write", false, "allow submitting and interrupting tasks")
}
