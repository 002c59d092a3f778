// ABOUTME: serve command: prints the banner, loads config and runs the server
// ABOUTME: Blocks until SIGINT or SIGTERM, then shuts down gracefully

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/server"
)

const banner = `
                         _             _           _
   __ _  __ _  ___ _ __ | |_ ___  ___ | |__   __ _| |_
  / _' |/ _' |/ _ \ '_ \| __/ __|/ __|| '_ \ / _' | __|
 | (_| | (_| |  __/ | | | || (__| (__ | | | | (_| | |_
  \__,_|\__, |\___|_| |_|\__\___|\___||_| |_|\__,_|\__|
        |___/
`

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agentchat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := setupLogger(cfg.Logging, nil)

			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", path)
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			if cfg.Server.GRPCAddr != "" {
				green.Print("    ▶ ")
				fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
			}
			green.Print("    ▶ ")
			fmt.Printf("Assistant: %s", cfg.Assistant.Provider)
			if cfg.Assistant.Stream {
				yellow.Print(" [stream]")
			}
			fmt.Println()
			if cfg.Tailscale.Enabled {
				green.Print("    ▶ ")
				fmt.Printf("Tailscale: ")
				cyan.Print(cfg.Tailscale.Hostname)
				if cfg.Tailscale.Ephemeral {
					gray.Print(" (ephemeral)")
				}
				fmt.Println()
			}
			if cfg.Auth.AllowGuests {
				yellow.Println("    ! guest sessions enabled")
			}
			fmt.Println()

			logger.Info("starting agentchat",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"provider", cfg.Assistant.Provider,
			)

			srv, err := server.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
}
