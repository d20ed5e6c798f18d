package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/critique"
	"github.com/storyloom/storyloom/internal/deps"
	"github.com/storyloom/storyloom/internal/events"
	"github.com/storyloom/storyloom/internal/gateway"
	"github.com/storyloom/storyloom/internal/job"
	"github.com/storyloom/storyloom/internal/logging"
	"github.com/storyloom/storyloom/internal/metrics"
	"github.com/storyloom/storyloom/internal/pipeline"
	"github.com/storyloom/storyloom/internal/stage"
	"github.com/storyloom/storyloom/internal/store"
	"github.com/storyloom/storyloom/internal/version"
	"github.com/storyloom/storyloom/pkg/models"
)

// app holds the wired components shared by every command.
type app struct {
	cfg         *config.Config
	secrets     *config.Secrets
	logger      *slog.Logger
	logFile     *os.File
	db          *sql.DB
	bus         *events.Bus
	collector   *metrics.Collector
	versions    *version.Store
	records     *job.Records
	checkpoints *job.Checkpoints
	manager     *job.Manager

	metricsSrv *http.Server
}

func newApp(configPath string, verbose bool) (*app, error) {
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	workspace, err := store.EnsureWorkspace(cfg.Storage.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare workspace: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := logging.Setup(workspace, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	if err := store.BackupConfig(workspace, configPath); err != nil {
		logger.Warn("config backup skipped", "error", err)
	}

	db, err := store.Open(cfg.Storage.Workspace)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to open workspace database: %w", err)
	}

	collector := metrics.NewCollector()
	bus := events.NewBus(logger)

	var versions *version.Store
	tracker := deps.New(func(projectID string, kind models.StageKind, action string) {
		versions.RecordLockAudit(projectID, kind, action)
	}, logger)
	versions = version.New(db, tracker, logger)

	gw := gateway.NewClient(cfg.Gateway, secrets.GetAPIKey(cfg.Gateway.BaseURL),
		gateway.NopCostTracker{}, collector, logger)
	callables := pipeline.New(gw, cfg.Templates, logger)
	loop := critique.New(cfg.AcceptThreshold(), cfg.Critique.MaxCycles, bus, collector, logger)
	runner := stage.New(loop, callables, bus, logger)

	records := job.NewRecords(db)
	checkpoints := job.NewCheckpoints(db, logger)
	manager := job.NewManager(cfg.Jobs, records, checkpoints, versions, runner, bus, collector, logger)

	a := &app{
		cfg:         cfg,
		secrets:     secrets,
		logger:      logger,
		logFile:     logFile,
		db:          db,
		bus:         bus,
		collector:   collector,
		versions:    versions,
		records:     records,
		checkpoints: checkpoints,
		manager:     manager,
	}

	if cfg.Metrics.Enabled {
		a.metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: promhttp.Handler()}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
	}

	return a, nil
}

func (a *app) Close() {
	a.manager.Shutdown()
	a.bus.Close()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Sync()
		_ = a.logFile.Close()
	}
}
