package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/TheEntropyCollective/csvaudit/pkg/common/logging"
	"github.com/TheEntropyCollective/csvaudit/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/csvaudit/pkg/metadata/postgres"
	"github.com/TheEntropyCollective/csvaudit/pkg/server"
	"github.com/TheEntropyCollective/csvaudit/pkg/storage/local"
	"github.com/TheEntropyCollective/csvaudit/pkg/storage/sweeper"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to configuration file")
		addr       = flag.String("addr", "", "HTTP listen address (overrides config)")
		skipSweep  = flag.Bool("no-sweep", false, "Disable the orphan-file sweeper")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logging.Error("invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}

	if err := logging.InitFromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
		logging.Error("failed to configure logging", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger := logging.GetGlobalLogger().WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, &postgres.Config{
		ConnectionString: cfg.Database.URL,
		MaxConnections:   cfg.Database.MaxConnections,
		ConnectTimeout:   time.Duration(cfg.Database.ConnectTimeout) * time.Second,
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	if err != nil {
		logger.Errorf("failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.MigrateToLatest(ctx); err != nil {
		logger.Errorf("failed to apply migrations: %v", err)
		os.Exit(1)
	}

	files, err := local.NewStore(cfg.Upload.Folder)
	if err != nil {
		logger.Errorf("failed to prepare upload folder: %v", err)
		os.Exit(1)
	}

	if !*skipSweep {
		sw, err := sweeper.New(store, files.Root(), sweeper.Options{
			Interval: time.Duration(cfg.Upload.SweepIntervalS) * time.Second,
			Grace:    time.Duration(cfg.Upload.SweepGraceS) * time.Second,
		})
		if err != nil {
			logger.Warnf("sweeper unavailable: %v", err)
		} else {
			sw.Start()
			defer sw.Stop()
		}
	}

	api := server.New(store, files, cfg)

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handlers.RecoveryHandler()(cors(api.Router())),
	}

	go func() {
		logger.Info("server listening", map[string]interface{}{
			"addr":          cfg.Server.ListenAddr,
			"upload_folder": files.Root(),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceS)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown incomplete: %v", err)
	}
}
