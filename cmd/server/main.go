// agentrelay - chat-driven coding agent relay server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentrelay/internal/api"
	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/grpcapi"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/metrics"
	"github.com/ashureev/agentrelay/internal/middleware"
	"github.com/ashureev/agentrelay/internal/runner"
	"github.com/ashureev/agentrelay/internal/session"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/internal/stream"
	"github.com/ashureev/agentrelay/internal/transport"
	"github.com/ashureev/agentrelay/internal/workspace"
	"github.com/ashureev/agentrelay/web"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	slog.Info("Starting server",
		"port", cfg.Port,
		"grpc_addr", cfg.GRPCAddr,
		"dev", cfg.IsDevelopment(),
		"agent_binary", cfg.Agent.Binary,
		"default_model", cfg.Agent.DefaultModel)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	workspaces, err := workspace.New(cfg.WorkspaceRoot, cfg.MaxUploadBytes)
	if err != nil {
		slog.Error("Failed to initialize workspace root", "error", err, "path", cfg.WorkspaceRoot)
		os.Exit(1)
	}
	slog.Info("Workspace root ready", "path", workspaces.Root())

	m := metrics.New(prometheus.NewRegistry())
	hub := transport.NewHub(m)
	allow := identity.NewAllowList(cfg.AllowedUsers)
	if allow.Open() {
		slog.Warn("ALLOWED_USERS is empty, every operator id is accepted")
	}

	// Initialize services.
	mgr := session.NewManager(session.Config{
		AgentBinary:    cfg.Agent.Binary,
		AgentTimeout:   cfg.Agent.AgentTimeout,
		CommandTimeout: cfg.Agent.CommandTimeout,
		MaxOutputBytes: cfg.Agent.MaxOutputBytes,
		DefaultModel:   cfg.Agent.DefaultModel,
		Shell:          cfg.Agent.Shell,
		Stream: stream.Config{
			Window:        cfg.Stream.Window,
			MaxMessageLen: cfg.Stream.MaxMessageLen,
		},
	}, session.Deps{
		Workspaces: workspaces,
		Runner:     runner.New(logger),
		Transport:  hub,
		Repo:       repo,
		Metrics:    m,
		Logger:     logger,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, mgr)
	sessionHandler := api.NewSessionHandler(baseHandler, cfg.MaxUploadBytes)
	healthHandler := api.NewHealthHandler(repo, mgr, workspaces.Root())
	wsHandler := transport.NewWebSocketHandler(hub, mgr, repo, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Operator routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, allow))
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded chat client.
	r.Handle("/*", web.Handler())

	// Agent tasks run for minutes over plain HTTP, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start TTL worker.
	mgr.StartTTLWorker(ctx,
		cfg.Retention.SweepInterval,
		cfg.Retention.SessionTTL,
		cfg.Retention.HistoryRetention,
		hub.CloseUser)

	// Start control plane.
	var grpcStop func()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC", "error", err, "addr", cfg.GRPCAddr)
			os.Exit(1)
		}
		gs, hs := grpcapi.NewGRPCServer(grpcapi.NewServer(mgr, allow), logger)
		go func() {
			slog.Info("gRPC control plane listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil {
				slog.Error("gRPC server failed", "error", err)
			}
		}()
		grpcStop = func() {
			hs.Shutdown()
			gs.GracefulStop()
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcStop != nil {
		grpcStop()
	}
	// Running executions would hold HTTP handlers open past the deadline.
	mgr.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
