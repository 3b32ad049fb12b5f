// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/starford/annocollab/internal/change"
	"github.com/starford/annocollab/internal/changelog"
	"github.com/starford/annocollab/internal/datastore"
	"github.com/starford/annocollab/internal/importer"
	"github.com/starford/annocollab/internal/mcpserver"
	"github.com/starford/annocollab/internal/metrics"
	"github.com/starford/annocollab/internal/ontology"
	"github.com/starford/annocollab/internal/push"
	"github.com/starford/annocollab/internal/server"
	"github.com/starford/annocollab/internal/session"
	"github.com/starford/annocollab/internal/storage"
	"github.com/starford/annocollab/internal/validation"
)

func build(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func loadOntology(cfg *Config) (ontology.Store, error) {
	if cfg.Ontology.Path == "" {
		return ontology.Default(), nil
	}
	o, err := ontology.Load(cfg.Ontology.Path)
	if err != nil {
		return nil, fmt.Errorf("load ontology: %w", err)
	}
	return o, nil
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// RunServer starts the collaboration server with the given options.
func RunServer(ctx context.Context, opts ...Option) error {
	app, err := build(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := app.logger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("imports_path", cfg.Imports.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Imports.Path, 0o755); err != nil {
		return fmt.Errorf("create imports dir: %w", err)
	}
	files, err := storage.NewFS(cfg.Imports.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	onto, err := loadOntology(cfg)
	if err != nil {
		return err
	}

	db, err := changelog.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init change log: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	broker := push.NewBroker(m)
	defer broker.Close()

	store := datastore.New(
		datastore.WithFiles(files),
		datastore.WithOntology(onto),
		datastore.WithLogger(logger),
	)
	svc := server.NewService(store, change.NewRegistry(), validation.NewDefaultRegistry(logger), db, broker,
		server.WithMetrics(m),
		server.WithLogger(logger),
	)

	start := time.Now()
	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore change log: %w", err)
	}
	logger.Info("Change log restored",
		slog.Int("assemblies", len(store.AssemblyIDs())),
		slog.String("took", time.Since(start).String()))

	imp := importer.New(cfg.Imports.Path, files, db, svc,
		importer.WithMetrics(m),
		importer.WithLogger(logger),
		importer.WithDebounce(cfg.Imports.Debounce),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health and metrics endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"ok"}`)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, `{"status":"change log unavailable"}`)
			return
		}
		writeStatus(w, http.StatusOK, `{"status":"ok"}`)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	r.Mount("/api", server.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, logger))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if !cfg.Imports.Watch {
			if err := imp.Scan(gCtx); err != nil {
				logger.Warn("initial import failed", slog.String("error", err.Error()))
			}
			return nil
		}
		if err := imp.Watch(gCtx); err != nil {
			return fmt.Errorf("import watcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		// Push streams never end on their own; closing the broker releases them.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP starts a client session and serves it as MCP tools on stdio.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := build(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// stdout carries the MCP protocol.
	logger := app.logger(os.Stderr)
	slog.SetDefault(logger)

	onto, err := loadOntology(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := session.New(ctx, session.Config{
		ServerURL:       cfg.Client.ServerURL,
		AuthToken:       cfg.Client.AuthToken,
		UserName:        cfg.Client.UserName,
		HistorySize:     cfg.Client.HistorySize,
		ReconnectDelay:  cfg.Client.ReconnectDelay,
		LocalDir:        cfg.Client.LocalDir,
		LocalAssemblies: cfg.Client.LocalAssemblies,
	},
		session.WithLogger(logger),
		session.WithOntology(onto),
	)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	if err := sess.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	logger.Info("MCP session ready",
		slog.String("server_url", cfg.Client.ServerURL),
		slog.String("user", cfg.Client.UserName),
		slog.Int("assemblies", len(sess.Store().AssemblyIDs())))

	mcpSrv := mcpserver.New(sess, app.version)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Run(gCtx)
	})
	g.Go(func() error {
		// stdin closing ends the session.
		defer cancel()
		if err := mcpSrv.ServeStdio(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("MCP session error", slog.String("error", err.Error()))
		return err
	}
	return nil
}
