package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trapmos/trapmos-alerts/internal/config"
	"github.com/trapmos/trapmos-alerts/internal/events"
	"github.com/trapmos/trapmos-alerts/internal/geocode"
	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/metrics"
	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/pushclient"
	"github.com/trapmos/trapmos-alerts/internal/server"
	"github.com/trapmos/trapmos-alerts/internal/service"
	"github.com/trapmos/trapmos-alerts/internal/storage/bolt"
)

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the detection event sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewDispatchMetrics(registry)
	if err != nil {
		return err
	}

	store, err := bolt.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	gateway, err := pushclient.New(cfg.Gateway.BaseURL, cfg.Gateway.AccessToken, cfg.Gateway.RequestTimeout, cfg.Gateway.RateLimit, cfg.Gateway.Burst)
	if err != nil {
		return fmt.Errorf("init push gateway client: %w", err)
	}
	resolver, err := geocode.New(geocode.Config{
		BaseURL:   cfg.Geocoder.BaseURL,
		UserAgent: cfg.Geocoder.UserAgent,
		Timeout:   cfg.Geocoder.RequestTimeout,
		CacheTTL:  cfg.Geocoder.CacheTTL,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("init geocoder: %w", err)
	}

	recipients := service.NewRecipientService(store, logger)
	audit := service.NewAuditService(store)
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		MaxConcurrency:   cfg.Dispatch.MaxConcurrency,
		SendTimeout:      cfg.Dispatch.SendTimeout,
		StoreTimeout:     cfg.Dispatch.StoreTimeout,
		ImageURLTemplate: cfg.Dispatch.ImageURLTemplate,
	}, resolver, gateway, recipients, audit, logger, m)
	detections := service.NewDetectionService(store, dispatcher, cfg.Dispatch.DedupeWindow, logger, m)

	auth, err := service.NewAuthService(cfg)
	if err != nil {
		return err
	}

	srv := server.New(cfg, server.Services{
		Detections: detections,
		Recipients: recipients,
		Audit:      audit,
		Auth:       auth,
		Store:      store,
		Gatherer:   registry,
	}, logger)

	var source events.Source
	if cfg.MQTT.Enabled {
		source, err = events.NewMQTTSource(events.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Topic:          cfg.MQTT.Topic,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("init mqtt source: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if source != nil {
		g.Go(func() error {
			return source.Run(gctx, func(ctx context.Context, det *model.Detection) error {
				_, err := detections.Handle(ctx, det, source.Name())
				return err
			})
		})
	}

	logger.Info("trapmos-alerts started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Bool("mqtt", cfg.MQTT.Enabled),
		zap.Int("max_concurrency", cfg.Dispatch.MaxConcurrency))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
