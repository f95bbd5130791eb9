// Package main is the entry point for notifyd, the notification
// delivery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arxiv/notifyd/internal/api"
	"github.com/arxiv/notifyd/internal/buildinfo"
	"github.com/arxiv/notifyd/internal/config"
	"github.com/arxiv/notifyd/internal/delivery"
	"github.com/arxiv/notifyd/internal/events"
	"github.com/arxiv/notifyd/internal/flush"
	"github.com/arxiv/notifyd/internal/ingest"
	"github.com/arxiv/notifyd/internal/notify"
	"github.com/arxiv/notifyd/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// flushStore adapts *store.Store to flush.Store: every method except
// GetUndeliveredEvents is promoted unchanged; this one is overridden
// because flush.StoreFilter and store.EventFilter are distinct types
// (flush is kept decoupled from the store package so it can be tested
// against a fake without pulling in database/sql).
type flushStore struct {
	*store.Store
}

func (a flushStore) GetUndeliveredEvents(ctx context.Context, filter flush.StoreFilter) ([]notify.Event, error) {
	return a.Store.GetUndeliveredEvents(ctx, store.EventFilter{UserID: filter.UserID})
}

// shutdownGracePeriod bounds how long shutdown waits for the API server
// and in-flight ingestion handlers to finish. When it elapses the
// process logs a warning and exits; messages still in flight are not
// NACKed.
const shutdownGracePeriod = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting notifyd",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"service_mode", cfg.ServiceMode,
		"config", cfgPath,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Storage.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Storage.Path)

	bus := events.New()

	emailProvider := delivery.NewEmailProvider(cfg.SMTP)
	if emailProvider == nil {
		logger.Warn("smtp not configured, email delivery disabled")
	}
	webhookProvider := delivery.NewWebhookProvider()

	flushEngine := flush.New(flushStore{st}, emailProvider, webhookProvider, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var apiServer *api.Server

	runAPI := cfg.ServiceMode == config.ModeCombined || cfg.ServiceMode == config.ModeAPIOnly
	runIngestion := cfg.ServiceMode == config.ModeCombined || cfg.ServiceMode == config.ModePubSubOnly

	if runAPI {
		apiServer = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st, flushEngine, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	var ingestSource *ingest.MQTTSource
	if runIngestion {
		mqttCfg := cfg.MQTT
		if mqttCfg.ClientID != "" {
			if suffix, err := ingest.LoadOrCreateClientSuffix(cfg.DataDir); err == nil {
				mqttCfg.ClientID = mqttCfg.ClientID + "-" + suffix
			} else {
				logger.Warn("failed to load/create mqtt client suffix, using configured client_id as-is", "error", err)
			}
		}
		ingestSource = ingest.NewMQTTSource(mqttCfg, logger)
		if ingestSource == nil {
			logger.Error("mqtt not configured but service_mode requires ingestion")
			os.Exit(1)
		}

		processor := ingest.New(st, emailProvider, webhookProvider, bus, logger, mqttCfg.MaxInFlight)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingestSource.Subscribe(ctx, processor.Handler()); err != nil && ctx.Err() == nil {
				logger.Error("ingestion loop stopped", "error", err)
			}
		}()
		logger.Info("ingestion started", "broker", mqttCfg.BrokerURL, "topic", mqttCfg.Topic, "max_in_flight", mqttCfg.MaxInFlight)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, draining", "grace_period", shutdownGracePeriod)

	// Cancelling ctx stops the ingestion loop from accepting new
	// messages and begins an orderly MQTT disconnect; Subscribe still
	// has up to the grace period to finish in-flight handler calls
	// before we move on.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown grace period elapsed, exiting with work still in flight")
	}

	logger.Info("notifyd stopped")
}
