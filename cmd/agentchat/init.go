// ABOUTME: init command: writes a starter config with a freshly generated JWT secret
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const configTemplate = `# agentchat configuration
# Generated by agentchat init

server:
  http_addr: "%s"
  grpc_addr: ""

database:
  driver: "sqlite"
  path: "%s"

auth:
  jwt_secret: "%s"
  allow_guests: false
  token_ttl: "168h"

credits:
  free_messages_per_agent: 3

assistant:
  provider: "openai"
  api_key: "${OPENAI_API_KEY}"
  poll_interval: "1500ms"
  poll_timeout: "120s"
  stream: false

relay:
  history_page_size: 50
  send_rate: 1
  send_burst: 5
  guest_message_limit: 3
  dedupe_ttl: "5m"

payments:
  key_secret: "${PAYMENT_KEY_SECRET}"

maintenance:
  schedule: "*/15 * * * *"
  archive_after: "720h"
  payment_expiry: "24h"

logging:
  level: "info"
  format: "text"
`

// dataPath returns the agentchat data directory.
// Priority: XDG_DATA_HOME/agentchat > ~/.local/share/agentchat
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "agentchat")
}

func newJWTSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func newInitCmd(configPath func() string) *cobra.Command {
	var (
		force    bool
		httpAddr string
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := configPath()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if dbPath == "" {
				dbPath = filepath.Join(dataPath(), "agentchat.db")
			}

			secret, err := newJWTSecret()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			content := fmt.Sprintf(configTemplate, httpAddr, dbPath, secret)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			green := color.New(color.FgGreen)
			green.Fprintf(out, "  ✓ Created config: %s\n", path)
			fmt.Fprintf(out, "  Database: %s\n", dbPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Next steps:")
			fmt.Fprintln(out, "    agentchat seed --file catalog.toml   # load agents and message packs")
			fmt.Fprintln(out, "    agentchat token --email you@example.com --admin")
			fmt.Fprintln(out, "    agentchat serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "localhost:8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (defaults to the data directory)")
	return cmd
}
