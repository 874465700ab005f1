package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/api"
	"github.com/groupmesh/groupd/pkg/config"
	"github.com/groupmesh/groupd/pkg/groups"
	"github.com/groupmesh/groupd/pkg/groups/memstore"
	"github.com/groupmesh/groupd/pkg/groups/pgstore"
	"github.com/groupmesh/groupd/pkg/keys"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}

	cipher, err := buildCipher(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to configure encryption")
	}

	service := groups.NewService(store, cipher, cfg.ServiceConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Groups.InitialGroups) > 0 {
		if err := service.Bootstrap(ctx, cfg.Groups.InitialGroups); err != nil {
			logger.WithError(err).Fatal("failed to bootstrap initial groups")
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewServer(service, logger, registry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("group service listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown did not complete cleanly")
		}
	}
}

func openStore(cfg *config.Config, logger *logrus.Logger) (groups.Store, error) {
	switch cfg.Storage.Type {
	case config.StoragePostgres:
		logger.Info("using postgres storage")
		return pgstore.Open(cfg.Storage.PostgresURL)
	default:
		logger.Info("using in-memory storage")
		return memstore.New(), nil
	}
}

func buildCipher(cfg *config.Config) (keys.Cipher, error) {
	if cfg.Keys.Endpoint != "" {
		return keys.NewClient(cfg.Keys.Endpoint, cfg.Keys.Token).WithTimeout(cfg.Keys.Timeout), nil
	}
	return keys.NewAESGCM(cfg.Keys.Token)
}
