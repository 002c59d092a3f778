// ABOUTME: health command: asks a running server whether it is ready
// ABOUTME: Exits non-zero when the server is down or its store is unreachable

package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/config"
)

func newHealthCmd(configPath func() string) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				cfg, err := config.Load(configPath())
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				url = fmt.Sprintf("http://%s", cfg.Server.HTTPAddr)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url+"/health/ready", nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL (defaults to http://<server.http_addr>)")
	return cmd
}
