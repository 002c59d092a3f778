// ABOUTME: token command: issues a JWT for a user, creating the account on first use
// ABOUTME: Operators use it in place of the external sign-in exchange

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/server"
	"github.com/2389/agentchat/internal/store"
)

func newTokenCmd(configPath func() string) *cobra.Command {
	var (
		email string
		name  string
		admin bool
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(strings.ToLower(email))
			if !strings.Contains(email, "@") {
				return errors.New("--email must be a valid address")
			}

			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s, err := server.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			user, err := s.GetUserByEmail(ctx, email)
			switch {
			case errors.Is(err, store.ErrNotFound):
				role := store.RoleUser
				if admin {
					role = store.RoleAdmin
				}
				user = &store.User{
					ID:        uuid.NewString(),
					Email:     email,
					Name:      name,
					Role:      role,
					CreatedAt: time.Now().UTC(),
				}
				if err := s.CreateUser(ctx, user); err != nil {
					return fmt.Errorf("creating user: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "created %s user %s (%s)\n", role, email, user.ID)
			case err != nil:
				return fmt.Errorf("looking up user: %w", err)
			case admin && user.Role != store.RoleAdmin:
				return fmt.Errorf("%s exists without the admin role", email)
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := verifier.Generate(user.ID, string(user.Role), ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name for a new user")
	cmd.Flags().BoolVar(&admin, "admin", false, "create the user as an admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
