package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/api"
	"github.com/EDRN/biokey/internal/config"
	"github.com/EDRN/biokey/internal/crypto"
	"github.com/EDRN/biokey/internal/database"
	"github.com/EDRN/biokey/internal/directory"
	"github.com/EDRN/biokey/internal/mail"
	"github.com/EDRN/biokey/internal/service"
)

const version = "0.1.0"

func main() {
	flags, configFile, showVersion := config.ParseFlags()

	if showVersion {
		fmt.Printf("BioKey v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting BioKey",
		zap.String("version", version),
		zap.String("database", cfg.Database.Type),
		zap.String("queue", cfg.Queue.Type),
		zap.Int("trees", len(cfg.Trees)),
	)

	// Cancelled on shutdown; stops the mail workers
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	trees, err := service.NewTreeService(ctx, db, cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tree service", zap.Error(err))
	}
	defer trees.Close()

	if err := trees.SeedTrees(ctx, cfg.Trees); err != nil {
		logger.Fatal("Failed to seed directory trees", zap.Error(err))
	}

	queue, err := mail.NewQueue(ctx, cfg.Queue, logger)
	if err != nil {
		logger.Fatal("Failed to initialize mail queue", zap.Error(err))
	}
	defer queue.Close()

	mailer := mail.NewService(queue, mail.NewSMTPTransport(cfg.Mail), cfg.Queue.Workers, logger)
	mailer.Start(ctx)

	tlsConfig, err := crypto.DirectoryTLSConfig(cfg.Directory.CAFile)
	if err != nil {
		logger.Fatal("Failed to load directory CA file", zap.Error(err))
	}
	client := directory.NewClient(directory.LDAPDialer{Timeout: cfg.Directory.Timeout, TLSConfig: tlsConfig}, logger)
	accounts := service.NewAccountService(db, client, mailer, cfg, logger)

	router := api.NewRouter(cfg, api.Services{Trees: trees, Accounts: accounts, TreeAdmin: trees, DB: db}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server",
			zap.String("address", srv.Addr),
			zap.Bool("tls", cfg.Server.TLSEnabled),
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Queued mail stays queued; only redis keeps it across restarts
	stop()
	mailer.Wait()

	logger.Info("Server stopped")
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if out := cfg.Logging.Output; out != "" && out != "stdout" {
		zapConfig.OutputPaths = []string{out}
	}

	return zapConfig.Build()
}
