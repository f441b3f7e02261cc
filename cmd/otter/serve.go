package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/api"
	"github.com/RackerWilliams/otter/pkg/cloud"
	"github.com/RackerWilliams/otter/pkg/config"
	"github.com/RackerWilliams/otter/pkg/controller"
	"github.com/RackerWilliams/otter/pkg/events"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/log"
	"github.com/RackerWilliams/otter/pkg/metrics"
	"github.com/RackerWilliams/otter/pkg/scheduler"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
	"github.com/RackerWilliams/otter/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the autoscaling control plane",
	Long: `Run the full control plane: the durable group store, the schedule
event miner, the capability execution API, and the worker that drives the
provider API.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(cfg.DataDir+"/otter.db", 0o600,
		&bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	lockSvc, err := locks.NewService(db, 0)
	if err != nil {
		return fmt.Errorf("failed to initialize lock service: %w", err)
	}

	clock := types.RealClock{}
	store, err := storage.New(db, lockSvc, clock, log.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	metrics.RegisterComponent("storage", true, "database open")

	broker := events.NewBroker()
	broker.Start()
	store.SetBroker(broker)

	ctrl := controller.New(clock, log.WithComponent("controller"))

	client := cloud.NewClient(&http.Client{Timeout: 30 * time.Second},
		cfg.Cloud.AuthToken, log.WithComponent("cloud"))
	wkr := worker.New(client, cfg.ServiceCatalog(), worker.Config{
		Region:         cfg.Cloud.Region,
		ComputeService: cfg.Cloud.ComputeService,
		LBService:      cfg.Cloud.LBService,
		PollInterval:   cfg.Cloud.PollInterval,
		ActiveTimeout:  cfg.Cloud.ActiveTimeout,
		DeleteTimeout:  cfg.Cloud.DeleteTimeout,
	}, clock, broker, log.WithComponent("worker"))

	sched := scheduler.New(store, lockSvc, ctrl, wkr, clock, broker,
		log.WithComponent("scheduler"))
	sched.SetInterval(cfg.Scheduler.Interval)
	sched.SetBatchSize(cfg.Scheduler.BatchSize)
	sched.Start()
	metrics.RegisterComponent("scheduler", true, "running")
	logger.Info().Msg("Scheduler started")

	collector := metrics.NewCollector(store, cfg.Metrics.Tenants,
		log.WithComponent("metrics"))
	collector.Start()

	server := api.New(cfg.APIAddr, store, ctrl, wkr, log.WithComponent("api"))
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.APIAddr).Msg("Otter is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}
	sched.Stop()
	collector.Stop()
	broker.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}
