// Package worker implements the worker command: the continuous ingestion
// loop, or a single cycle with --once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carsight/worker/internal/api"
	"github.com/carsight/worker/internal/config"
	"github.com/carsight/worker/internal/database"
	"github.com/carsight/worker/internal/domain"
	"github.com/carsight/worker/internal/fetcher"
	"github.com/carsight/worker/internal/ingest"
	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/metrics"
	"github.com/carsight/worker/internal/parser"
	"github.com/carsight/worker/internal/scheduler"
	"github.com/carsight/worker/internal/selector"
	"github.com/carsight/worker/internal/sitemap"
)

const hoursPerDay = 24

// Command returns the worker command.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion worker",
		Long: `Runs ingestion cycles continuously on the configured interval,
waking early when pending scrape requests appear. With --once, runs a
single cycle and exits; a failed cycle then exits non-zero.`,
		RunE: run,
	}

	cmd.Flags().Bool("once", false, "run a single cycle and exit")
	_ = viper.BindPFlag("worker.run_once", cmd.Flags().Lookup("once"))

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logger.Level,
		Development: cfg.Logger.Development,
	})

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.EnsureSchema(cmd.Context(), db); err != nil {
		return err
	}

	client := fetcher.NewClient(cfg.Scraper, log)
	batch := fetcher.NewBatchFetcher(client, log, cfg.Scraper.Concurrency, cfg.Scraper.BatchPause)
	prefetchBatch := fetcher.NewBatchFetcher(client, log, cfg.Scraper.Concurrency,
		selector.PrefetchPause(cfg.Scraper.BatchPause))
	walker := sitemap.NewWalker(client, log, cfg.Scraper)
	picker := selector.New(prefetchBatch, log, cfg.Scraper.MaxListings, cfg.Scraper.PerMakeLimit)

	listingRepo := database.NewListingRepository(db, cfg.Worker.UpsertBatchSize)
	failureRepo := database.NewFailureRepository(db, cfg.Worker.UpsertBatchSize)
	requestRepo := database.NewRequestRepository(db)

	runner := ingest.NewRunner(
		walker,
		picker,
		batch,
		parser.New(cfg.Scraper.JPYToRUBRate),
		listingRepo,
		failureRepo,
		log,
		ingest.Options{
			Source:        domain.SourceCarsensor,
			CycleTimeout:  cfg.Worker.CycleTimeout,
			InactiveAfter: time.Duration(cfg.Worker.InactiveAfterDays) * hoursPerDay * time.Hour,
			DeleteAfter:   time.Duration(cfg.Worker.DeleteAfterDays) * hoursPerDay * time.Hour,
		},
	)

	collector := metrics.NewCollector()
	sched := scheduler.New(runner, requestRepo, scheduler.NewRealClock(), collector, log, scheduler.Options{
		Source:       domain.SourceCarsensor,
		Interval:     cfg.Worker.Interval,
		PollInterval: cfg.Worker.RequestPollInterval,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server.Address, db, collector, log)
		go srv.Start()
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				log.Error("failed to stop observability server", "error", err)
			}
		}()
	}

	if cfg.Worker.RunOnce {
		return sched.RunOnce(ctx)
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
