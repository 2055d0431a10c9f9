package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zane-ops/zane/pkg/archive"
	"github.com/zane-ops/zane/pkg/cloner"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/ledger"
	"github.com/zane-ops/zane/pkg/locker"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/logsink"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/monitor"
	"github.com/zane-ops/zane/pkg/orchestrator"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/scm"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/workflow"
)

// runtime is the fully wired control plane. The server command keeps it
// running; the one-shot commands build it, do their work and tear it down.
// BoltDB's exclusive file lock guarantees only one process at a time.
type runtime struct {
	cfg       *config.Config
	store     *storage.BoltStore
	broker    *events.Broker
	engine    *workflow.Engine
	ledger    *ledger.Ledger
	orch      *orchestrator.Orchestrator
	monitor   *monitor.Monitor
	archiver  *archive.Archiver
	cloner    *cloner.Cloner
	collector *metrics.Collector
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	driver, err := docker.NewClient(cfg.DockerHost)
	if err != nil {
		store.Close()
		return nil, err
	}

	pxy := proxy.NewClient(cfg.ProxyAdminURL)
	sink := logsink.NewClient(cfg.LogSinkURL)
	broker := events.NewBroker()
	broker.Start()

	engine := workflow.NewEngine(store)
	orch := orchestrator.New(store, driver, pxy, sink, broker, locker.NewRegistry(), engine, cfg)

	collector := metrics.New()
	mon := monitor.New(store, driver, broker, collector)
	orch.SetMonitor(mon)

	ldg := ledger.New(store, cfg)
	return &runtime{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		engine:    engine,
		ledger:    ldg,
		orch:      orch,
		monitor:   mon,
		archiver:  archive.New(store, driver, pxy, mon, broker),
		cloner:    cloner.New(store, ldg, orch, cfg, broker),
		collector: collector,
	}, nil
}

func (rt *runtime) shutdown() {
	rt.monitor.Stop()
	rt.engine.Shutdown()
	rt.broker.Stop()
	rt.store.Close()
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Zane control plane",
	Long: `Run the control plane: resumes interrupted deployments, schedules
health monitors for current production deployments and serves metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go rt.collector.Watch(ctx, rt.broker)
		go scm.NewNotifier(rt.store, rt.cfg.GitHubToken, rt.cfg.GitLabToken).Watch(ctx, rt.broker)
		go func() {
			if err := rt.collector.Serve(ctx, rt.cfg.MetricsAddr); err != nil {
				logger := log.WithComponent("metrics")
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()

		if err := rt.orch.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume deployments: %w", err)
		}
		if err := rt.monitor.Resume(ctx); err != nil {
			return fmt.Errorf("failed to resume health monitors: %w", err)
		}

		log.Info("control plane running")
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}
