// ABOUTME: Entry point for the agentchat server and its operator commands
// ABOUTME: Builds the cobra command tree and exits non-zero on failure

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/config"
)

// Version is set via ldflags at build time.
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "agentchat",
		Short:         "Credit-metered chat with AI agents",
		Long:          "agentchat relays user messages to external assistant agents over REST and websockets, metering each message against per-agent credits.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")

	cfgPath := func() string { return configPath }
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(cfgPath))
	cmd.AddCommand(newInitCmd(cfgPath))
	cmd.AddCommand(newTokenCmd(cfgPath))
	cmd.AddCommand(newSeedCmd(cfgPath))
	cmd.AddCommand(newSweepCmd(cfgPath))
	cmd.AddCommand(newHealthCmd(cfgPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentchat %s\n", version)
		},
	}
}

func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, newRootCmd())
	cancel()
	os.Exit(code)
}
