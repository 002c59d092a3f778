// ABOUTME: Tests for the agentchat command tree
// ABOUTME: Runs init, seed, token and sweep end to end against a temp SQLite database

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const testCatalog = `
[[agent]]
id = "astro"
title = "Astrologer"
assistant_id = "asst_1"

[[agent]]
id = "retired"
title = "Retired"
inactive = true

[[pack]]
id = "p10"
name = "Ten messages"
message_count = 10
price = 9900
currency = "inr"
`

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentchat dev")
}

func TestInitCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "data", "agentchat.db")

	out, err := run(t, "init", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)

	info, err := os.Stat(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "config holds secrets")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err, "generated config must validate")
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)

	_, err = run(t, "init", "--config", cfgPath)
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "init", "--config", cfgPath, "--db", dbPath, "--force")
	require.NoError(t, err)
	again, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Auth.JWTSecret, again.Auth.JWTSecret, "each init draws a new secret")
}

func TestSeedTokenAndSweep(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "agentchat.db")
	catalogPath := filepath.Join(dir, "catalog.toml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))

	_, err := run(t, "init", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)

	out, err := run(t, "seed", "--config", cfgPath, "--file", catalogPath)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 2 agents and 1 message packs")

	// seeding twice is an upsert
	_, err = run(t, "seed", "--config", cfgPath, "--file", catalogPath)
	require.NoError(t, err)

	out, err = run(t, "token", "--config", cfgPath, "--email", "Ops@Example.com", "--admin")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	token := lines[len(lines)-1]

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)

	// the same email reuses the account
	out, err = run(t, "token", "--config", cfgPath, "--email", "ops@example.com")
	require.NoError(t, err)
	assert.NotContains(t, out, "created")

	out, err = run(t, "sweep", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "archived 0 conversations, expired 0 orders")

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	user, err := s.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, user.Role)
	assert.Equal(t, user.ID, claims.Subject)

	agents, err := s.ListAgents(ctx, true)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "astro", agents[0].ID)

	pack, err := s.GetMessagePack(ctx, "p10")
	require.NoError(t, err)
	assert.Equal(t, "INR", pack.Currency)
	assert.True(t, pack.Active)
}

func TestTokenCmd_RequiresEmail(t *testing.T) {
	_, err := run(t, "token", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--email", "nobody")
	assert.ErrorContains(t, err, "valid address")
}

func TestLoadCatalog_Validation(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	_, err := loadCatalog(write("bad.toml", `
[[agent]]
id = "astro"

[[pack]]
id = "p0"
name = "Zero"
message_count = 0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id and title are required")
	assert.Contains(t, err.Error(), "message_count must be positive")

	_, err = loadCatalog(write("typo.toml", `
[[agent]]
id = "astro"
title = "Astrologer"
assistant = "asst_1"
`))
	assert.ErrorContains(t, err, "unknown catalog keys")

	c, err := loadCatalog(write("ok.toml", testCatalog))
	require.NoError(t, err)
	assert.Len(t, c.Agents, 2)
	assert.Len(t, c.Packs, 1)
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.With("component", "relay").WithGroup("turn").Warn("slow run", "run_id", "run_1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "slow run")
	assert.Contains(t, out, "component=")
	assert.Contains(t, out, "relay")
	assert.Contains(t, out, "turn.run_id=")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("loud"))
}
