package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tranchefund/observability/logging"
	telemetry "tranchefund/observability/otel"
	"tranchefund/services/fundd/config"
	"tranchefund/services/fundd/node"
	"tranchefund/services/fundd/oracle"
	"tranchefund/services/fundd/scheduler"
	"tranchefund/services/fundd/server"
	history "tranchefund/services/fundd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fundd/config.yaml", "path to fundd configuration file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("fundd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	env := strings.TrimSpace(os.Getenv("FUNDD_ENV"))
	cfg, err := config.Load(cfgPath,
		config.WithAdminSecret(os.Getenv("FUNDD_ADMIN_SECRET")),
		config.WithHistoryDSN(os.Getenv("FUNDD_HISTORY_DSN")))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.SetupWithOptions("fundd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logger.Info("fundd starting", cfg.LogAttrs()...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv("fundd", env, os.Getenv))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	store, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	db, err := node.OpenDatabase(cfg.DataDir)
	if err != nil {
		return err
	}

	sources, err := buildSources(cfg.Oracle.Sources)
	if err != nil {
		return err
	}
	sampler, err := oracle.NewSampler(store, sources, cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration,
		oracle.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("price sampler: %w", err)
	}
	twap, err := oracle.NewTWAP(store, cfg.Oracle.TwapWindow.Duration, cfg.Oracle.MinSamples)
	if err != nil {
		return fmt.Errorf("twap: %w", err)
	}

	n, err := node.New(cfg, db, store, twap, node.WithLogger(logger))
	if err != nil {
		db.Close()
		return fmt.Errorf("fund node: %w", err)
	}
	defer n.Close()

	auth, err := server.NewAuthenticator(server.AuthConfig{
		Secret:    cfg.Admin.Secret,
		Issuer:    cfg.Admin.Issuer,
		Audience:  cfg.Admin.Audience,
		ClockSkew: cfg.Admin.ClockSkew.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, n, auth, logger)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	go func() {
		if err := sampler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("price sampler stopped", slog.Any("error", err))
		}
	}()

	if !cfg.Scheduler.Disabled {
		sched := scheduler.New(ctx, n, cfg.Scheduler.MaxCatchUp, logger)
		if err := sched.Register(cfg.Scheduler.Schedule); err != nil {
			return fmt.Errorf("settlement schedule: %w", err)
		}
		retention := 4 * cfg.Oracle.TwapWindow.Duration
		if err := sched.AddJob("0 30 * * * *", "prune-samples", func(ctx context.Context) error {
			removed, err := store.PruneSamples(ctx, time.Now().Add(-retention-cfg.Fund.EpochLength.Duration))
			if err == nil && removed > 0 {
				logger.Info("price samples pruned", slog.Int64("removed", removed))
			}
			return err
		}); err != nil {
			return fmt.Errorf("prune schedule: %w", err)
		}
		// Catch up on epochs that came due while the daemon was down.
		_, _ = sched.RunNow()
		sched.Start()
		defer sched.Stop()
	}

	return srv.Run(ctx)
}

func buildSources(cfgs []config.Source) ([]oracle.Source, error) {
	sources := make([]oracle.Source, 0, len(cfgs))
	for _, src := range cfgs {
		switch strings.ToLower(strings.TrimSpace(src.Type)) {
		case "static":
			sources = append(sources, oracle.NewStaticSource(src.Name, src.Price.Int()))
		case "http":
			sources = append(sources, oracle.NewHTTPSource(src.Name, src.Endpoint, nil))
		default:
			return nil, fmt.Errorf("source %s: unsupported type %q", src.Name, src.Type)
		}
	}
	return sources, nil
}
