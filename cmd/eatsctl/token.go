package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/patric-chuzhbe/merneats/internal/auth"
)

func hashPasswordCmd(load configLoader) *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt digest of a password",
		Long: `Print the bcrypt digest of a password. Without an argument the
password is read from the first line of standard input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost == 0 {
				cfg, err := load()
				if err != nil {
					return err
				}
				cost = cfg.BcryptCost
			}

			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}

			hasher, err := auth.NewPasswordHasher(cost)
			if err != nil {
				return err
			}
			digest, err := hasher.Hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)

			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default BCRYPT_COST)")

	return cmd
}

func issueTokenCmd(load configLoader) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue-token --user <id>",
		Short: "Issue a session token for a user, e.g. for tests against a deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.SessionTTL
			}

			tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), ttl)
			if err != nil {
				return err
			}
			token, _, err := tokens.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default SESSION_TTL)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func verifyTokenCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-token <token>",
		Short: "Check a session token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.SessionTTL)
			if err != nil {
				return err
			}
			claims, err := tokens.Verify(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "userId:    %s\n", claims.UserID)
			fmt.Fprintf(out, "tokenId:   %s\n", claims.ID)
			fmt.Fprintf(out, "issuedAt:  %s\n", claims.IssuedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "expiresAt: %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))

			return nil
		},
	}
}
