// ABOUTME: sweep command: runs one maintenance pass against the configured database
// ABOUTME: Useful from an external scheduler when the in-process schedule is off

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/maintenance"
	"github.com/2389/agentchat/internal/server"
)

func newSweepCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive idle conversations and expire stale orders once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

			s, err := server.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			sweeper := maintenance.NewSweeper(s, conversation.NewDirectory(s, logger), maintenance.Config{
				ArchiveAfter:  cfg.Maintenance.ArchiveAfter,
				PaymentExpiry: cfg.Maintenance.PaymentExpiry,
			}, logger)
			res, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d conversations, expired %d orders\n", res.Archived, res.ExpiredPayments)
			return nil
		},
	}
}
