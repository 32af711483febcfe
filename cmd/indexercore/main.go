// Command indexercore is the indexer core's single binary: it wires every
// ingestion, delivery, and control component behind one Application and
// runs until it receives SIGINT/SIGTERM, draining in-flight work before
// exit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/chaincontest/indexer-core/internal/app"
	"github.com/chaincontest/indexer-core/internal/config"
	"github.com/chaincontest/indexer-core/pkg/logger"
)

func main() {
	bootstrap := logger.NewDefault("indexercore")

	cfg, err := config.Load()
	if err != nil {
		bootstrap.WithError(err).Fatal("invalid configuration")
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		FilePrefix: "indexercore",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry := log.WithField("service", "indexercore")

	application, err := app.New(ctx, cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to build application")
	}
	defer func() {
		if closeErr := application.Close(); closeErr != nil {
			entry.WithError(closeErr).Error("error closing database pool")
		}
	}()

	entry.WithFields(logrus.Fields{
		"port":          cfg.Port,
		"poll_interval": cfg.PollInterval,
		"chains":        len(cfg.RPCs),
	}).Info("indexer core starting")

	if err := application.Run(ctx); err != nil {
		entry.WithError(err).Fatal("application run failed")
	}

	entry.Info("indexer core stopped cleanly")
}
