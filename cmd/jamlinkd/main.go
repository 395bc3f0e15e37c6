package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jamlink/internal/config"
	"jamlink/internal/identity"
	"jamlink/internal/jam"
	"jamlink/internal/server"
	"jamlink/internal/store"
	"jamlink/internal/tunnel"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "./config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load .env before config so env overrides are visible everywhere
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			logger.WithError(err).Warn("Could not load .env file")
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	configureLogging(logger, &cfg.Logging)

	// Initialize the replica store backend
	st, err := store.NewStore(cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error initializing store")
	}
	defer st.Close()

	logger.WithField("backend", cfg.Store.Backend).Info("Store initialized")

	// Pick the identity provider. Without an endpoint every sign-in fails
	// fast and the coordinator runs in local mode.
	var provider identity.Provider
	if cfg.Identity.Endpoint != "" {
		provider = identity.NewHTTPProvider(cfg.Identity.Endpoint, cfg.Identity.Secret)
	} else {
		logger.Warn("No identity endpoint configured, sessions will be local only")
		provider = identity.Unavailable{}
	}

	coordinator := jam.NewCoordinator(st, provider, cfg.Session, logger)
	defer coordinator.Close()

	jamServer := server.NewJamServer(cfg, coordinator, logger)

	// Optional public tunnel
	tunnelSvc, err := tunnel.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok tunnel not available")
		tunnelSvc = nil
	}
	if tunnelSvc != nil {
		localAddr := fmt.Sprintf("http://localhost:%s", cfg.Server.Port)
		if err := tunnelSvc.StartTunnel(context.Background(), localAddr); err != nil {
			logger.WithError(err).Warn("Could not start ngrok tunnel")
		}
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := jamServer.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-c

	logger.Info("Received shutdown signal")

	if tunnelSvc != nil {
		tunnelSvc.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := jamServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown did not complete cleanly")
	}
}

// configureLogging applies the configured level, format and output file.
func configureLogging(logger *logrus.Logger, cfg *config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.WithError(err).Warn("Could not open log file, using stderr")
			return
		}
		logger.SetOutput(f)
	}
}
