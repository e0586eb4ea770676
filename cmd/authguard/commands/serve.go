package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"authguard/internal/api"
	"authguard/internal/config"
	"authguard/internal/engine"
	"authguard/internal/ingest"
	"authguard/internal/logging"
	"authguard/internal/metrics"
	"authguard/internal/model"
	"authguard/internal/notify"
	"authguard/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor",
	Long:  `Start ingestion, detection, persistence and the control API. Stops on SIGINT or SIGTERM.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	mgr, err := loadManager()
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger, logCloser := logging.New(cfg)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("persistence enabled", "driver", cfg.Storage.Driver)
	}

	bus := notify.NewBus(logger)
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(cfg.Metrics.Namespace)
		bus.Subscribe(exporter.Observe)
		metricsHandler = exporter.Handler()
	}

	eng := engine.New(cfg, engine.Options{Logger: logger, Store: store, Bus: bus})
	reports := make(chan model.Report, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, reports)

	parser := ingest.NewParser()
	ingest.StartREST(ctx, mgr, reports, logger)
	ingest.StartSyslog(ctx, mgr, parser, reports, logger)
	ingest.StartFileTail(ctx, mgr, parser, reports, logger)
	ingest.StartKafka(ctx, mgr, parser, reports, logger)
	api.Start(ctx, mgr, eng, metricsHandler, logger, Version)

	go func() {
		err := mgr.Watch(ctx, logger, func(next *config.Config) {
			eng.UpdateConfig(next)
		})
		if err != nil {
			logger.Warn("config watch stopped", "err", err)
		}
	}()

	logger.Info("authguard started", "version", Version, "config", mgr.Path())
	<-ctx.Done()
	logger.Info("shutting down")
	eng.Stop()
	return nil
}
