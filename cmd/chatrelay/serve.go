package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/chatrelay/internal/dispatch"
	"github.com/jkaninda/chatrelay/internal/gateway/webhook"
	"github.com/jkaninda/chatrelay/internal/line"
	"github.com/jkaninda/chatrelay/internal/media"
	"github.com/jkaninda/chatrelay/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the LINE webhook",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so `chatrelay --port` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override the listen port (e.g. 8080 or :8080)")
	}
}

// runServe starts the webhook server and blocks until SIGINT or SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.Port = servePort
	}
	if err := cfg.ValidateLINE(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting webhook server", slog.String("addr", cfg.Server.Addr()))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := sc.Obs.MetricsOrNil().RegistryOrNil()

	store, mediaHandler, err := newMediaStore(ctx, sc)
	if err != nil {
		return err
	}

	catalog := dispatch.DefaultCatalog()
	if cfg.Dispatcher.CannedFile != "" {
		catalog, err = dispatch.LoadCatalog(cfg.Dispatcher.CannedFile)
		if err != nil {
			return err
		}
	}

	var lineOpts []line.Option
	if cfg.LINE.APIBaseURL != "" {
		lineOpts = append(lineOpts, line.WithBaseURL(cfg.LINE.APIBaseURL))
	}
	if cfg.LINE.DataBaseURL != "" {
		lineOpts = append(lineOpts, line.WithDataBaseURL(cfg.LINE.DataBaseURL))
	}
	lineClient := line.NewClient(cfg.LINE.ChannelAccessToken, logger, lineOpts...)

	dispatcher := dispatch.New(lineClient, sc.Relay, store, dispatch.Config{
		Mode:          dispatch.Mode(cfg.Dispatcher.Mode),
		Catalog:       catalog,
		FailureReply:  cfg.Dispatcher.FailureReply,
		VisionHint:    cfg.Dispatcher.VisionHint,
		AudioDuration: cfg.Dispatcher.AudioDuration,
	}, dispatch.NewMetrics(reg), logger)

	// Idle conversation sweeping is optional.
	if ttl := cfg.History.IdleTTL(); ttl > 0 {
		sched := scheduler.New(scheduler.NewMetrics(reg), logger)
		if err := sched.Add(scheduler.HistorySweep(sc.History, ttl, cfg.History.SweepInterval(), logger)); err != nil {
			return fmt.Errorf("scheduling history sweep: %w", err)
		}
		cancelSched := sched.Start(ctx)
		defer cancelSched()
		logger.Debug("history sweep scheduled",
			slog.Duration("idle_ttl", ttl),
			slog.Duration("interval", cfg.History.SweepInterval()),
		)
	}

	gwCfg := webhook.Config{
		ChannelSecret: cfg.LINE.ChannelSecret,
		ListenAddr:    cfg.Server.Addr(),
		MaxBodySize:   cfg.Server.BodyLimit(),
		MediaHandler:  mediaHandler,
		HealthChecker: sc.Obs.Health,
		Metrics:       sc.Obs.MetricsOrNil(),
		Tracer:        sc.Obs.TracerOrNil(),
	}
	if reg != nil {
		gwCfg.MetricsRegistry = reg
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	gw := webhook.NewGateway(gwCfg, dispatcher, logger)

	errs := make(chan error, 1)
	go func() {
		if err := gw.Start(ctx); err != nil {
			errs <- fmt.Errorf("webhook gateway: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("gateway error", slog.String("error", err.Error()))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway stop error", slog.String("error", err.Error()))
	}

	logger.Info("webhook server stopped")
	return nil
}

// newMediaStore builds the configured media backend. The returned handler is
// non-nil only for the local backend, which serves its own files.
func newMediaStore(ctx context.Context, sc *SharedComponents) (media.Store, http.Handler, error) {
	cfg := sc.Config.Media
	switch cfg.StorageBackend() {
	case "azure":
		s, err := media.NewAzureStore(cfg.ConnectionString, cfg.Container, sc.Logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureContainer(ctx); err != nil {
			return nil, nil, err
		}
		sc.Obs.Health.AddCheck("media", s.EnsureContainer)
		return s, nil, nil
	case "local":
		s, err := media.NewLocalStore(cfg.LocalDir(), cfg.BaseURL, sc.Logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Handler(), nil
	default:
		sc.Logger.Info("media storage disabled, image and audio echo will fail")
		return nil, nil, nil
	}
}
