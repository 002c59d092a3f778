// ABOUTME: Server composes the store, services, REST router, socket and health endpoints
// ABOUTME: Runs HTTP, gRPC health and the maintenance schedule until the context ends

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/agentchat/internal/api"
	"github.com/2389/agentchat/internal/assistant"
	"github.com/2389/agentchat/internal/auth"
	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/credits"
	"github.com/2389/agentchat/internal/dedupe"
	"github.com/2389/agentchat/internal/maintenance"
	"github.com/2389/agentchat/internal/payments"
	"github.com/2389/agentchat/internal/relay"
	"github.com/2389/agentchat/internal/store"
)

const (
	shutdownTimeout     = 5 * time.Second
	healthCheckInterval = 10 * time.Second
	dedupeMaxEntries    = 10000

	// ServiceName is the name reported by the gRPC health service
	ServiceName = "agentchat"
)

// Server owns every long-running component of agentchat
type Server struct {
	cfg         *config.Config
	store       store.Store
	rooms       *conversation.Broadcaster
	dedupe      *dedupe.Cache
	socket      *relay.SocketServer
	sweeper     *maintenance.Sweeper
	scheduler   *maintenance.Scheduler
	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// OpenStore opens the configured database. AGENTCHAT_DB_PATH overrides the path.
func OpenStore(cfg *config.Config) (*store.SQLiteStore, error) {
	path := cfg.Database.Path
	if env := os.Getenv("AGENTCHAT_DB_PATH"); env != "" {
		path = env
	}
	s, err := store.Open(cfg.Database.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewAssistant builds the assistant backend selected by cfg.Provider
func NewAssistant(cfg config.AssistantConfig, logger *slog.Logger) (assistant.Client, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("assistant.api_key is required for the openai provider")
		}
		return assistant.NewOpenAIClient(cfg.APIKey,
			assistant.WithBaseURL(cfg.BaseURL),
			assistant.WithLogger(logger),
		), nil
	case "completion":
		model, err := assistant.NewOpenAICompatibleModel(cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return assistant.NewCompletionClient(model, cfg.Instructions, cfg.PollTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown assistant provider %q", cfg.Provider)
	}
}

// New opens the store and assistant from cfg and wires the server
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	client, err := NewAssistant(cfg.Assistant, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating assistant client: %w", err)
	}
	srv, err := NewWithDeps(cfg, s, client, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// NewWithDeps wires the server around an existing store and assistant
// backend. The server takes ownership of the store and closes it on shutdown.
func NewWithDeps(cfg *config.Config, s store.Store, client assistant.Client, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(s, verifier, cfg.Auth.AllowGuests, logger)

	ledger := credits.New(s, cfg.Credits.FreeMessagesPerAgent, logger)
	directory := conversation.NewDirectory(s, logger)
	rooms := conversation.NewBroadcaster(logger)
	cache := dedupe.New(cfg.Relay.DedupeTTL, dedupeMaxEntries)

	rl := relay.New(relay.Deps{
		Store:     s,
		Ledger:    ledger,
		Directory: directory,
		Assistant: client,
		Poller:    assistant.NewPoller(cfg.Assistant.PollInterval, cfg.Assistant.PollTimeout),
		Rooms:     rooms,
		Stream:    cfg.Assistant.Stream,
		PageSize:  cfg.Relay.HistoryPageSize,
		Logger:    logger,
	})
	// in-memory transcripts are rebuilt from stored messages after a restart
	if restorer, ok := client.(interface{ SetHistory(assistant.HistoryLoader) }); ok {
		restorer.SetHistory(rl.Transcript)
	}

	socket := relay.NewSocketServer(relay.SocketConfig{
		Relay:          rl,
		Authenticator:  authenticator,
		Dedupe:         cache,
		AllowGuests:    cfg.Auth.AllowGuests,
		GuestLimit:     cfg.Relay.GuestMessageLimit,
		SendRate:       rate.Limit(cfg.Relay.SendRate),
		SendBurst:      cfg.Relay.SendBurst,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	handler := api.NewRouter(api.Deps{
		Store:         s,
		Relay:         rl,
		Directory:     directory,
		Ledger:        ledger,
		Payments:      payments.NewService(s, ledger, cfg.Payments.KeySecret, logger),
		Authenticator: authenticator,
		Dedupe:        cache,
		Socket:        socket,
		Logger:        logger,
	})

	sweeper := maintenance.NewSweeper(s, directory, maintenance.Config{
		ArchiveAfter:  cfg.Maintenance.ArchiveAfter,
		PaymentExpiry: cfg.Maintenance.PaymentExpiry,
	}, logger)
	scheduler, err := maintenance.NewScheduler(sweeper, cfg.Maintenance.Schedule, logger)
	if err != nil {
		cache.Close()
		return nil, err
	}

	srv := &Server{
		cfg:       cfg,
		store:     s,
		rooms:     rooms,
		dedupe:    cache,
		socket:    socket,
		sweeper:   sweeper,
		scheduler: scheduler,
		handler:   handler,
		health:    health.NewServer(),
		logger:    logger.With("component", "server"),
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		srv.grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    15 * time.Second,
				Timeout: 5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		healthpb.RegisterHealthServer(srv.grpcServer, srv.health)
	}
	return srv, nil
}

// Handler returns the HTTP handler serving REST and /ws
func (s *Server) Handler() http.Handler { return s.handler }

// Sweep runs one maintenance pass immediately
func (s *Server) Sweep(ctx context.Context) (maintenance.Result, error) {
	return s.sweeper.RunOnce(ctx)
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.listen(ctx)
	if err != nil {
		_ = s.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.watchHealth(gctx)
			return nil
		})
	}

	if s.scheduler != nil {
		g.Go(func() error { return s.scheduler.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) listen(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if s.cfg.Tailscale.Enabled {
		return s.listenTailscale(ctx)
	}

	httpLn, err = net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", s.cfg.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

func (s *Server) listenTailscale(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := s.cfg.Tailscale

	stateDir := tsCfg.StateDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
		}
		stateDir = filepath.Join(home, ".local", "share", "agentchat", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if status.Self != nil {
		s.logger.Info("tailscale node up", "dns_name", status.Self.DNSName, "ips", status.TailscaleIPs)
	}

	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLn, grpcLn, nil
}

// watchHealth reports SERVING while the store answers pings
func (s *Server) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		s.checkHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.store.Ping(pingCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (s *Server) shutdownGRPC(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// Shutdown stops accepting work, waits for socket handlers up to ctx's
// deadline and releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown(ctx) })
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPC(ctx)

	// hijacked socket connections are not tracked by http.Server
	s.socket.Close()
	s.rooms.Close()
	waited := make(chan struct{})
	go func() {
		s.socket.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn("socket handlers still running at shutdown deadline")
	}

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	s.dedupe.Close()
	errs = appendCloseError(errs, "store close", s.store.Close())

	return errors.Join(errs...)
}
