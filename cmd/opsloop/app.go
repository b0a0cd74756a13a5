package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clawinfra/opsloop/internal/breaker"
	"github.com/clawinfra/opsloop/internal/classify"
	"github.com/clawinfra/opsloop/internal/config"
	"github.com/clawinfra/opsloop/internal/escalate"
	"github.com/clawinfra/opsloop/internal/execute"
	"github.com/clawinfra/opsloop/internal/learn"
	"github.com/clawinfra/opsloop/internal/ledger"
	"github.com/clawinfra/opsloop/internal/logging"
	"github.com/clawinfra/opsloop/internal/loop"
	"github.com/clawinfra/opsloop/internal/metrics"
	"github.com/clawinfra/opsloop/internal/observe"
	"github.com/clawinfra/opsloop/internal/oracle"
	"github.com/clawinfra/opsloop/internal/plan"
	"github.com/clawinfra/opsloop/internal/sandbox"
	"github.com/clawinfra/opsloop/internal/types"
	"github.com/clawinfra/opsloop/internal/validate"
)

// App holds all the runtime components
type App struct {
	Config       *config.Config
	ConfigPath   string
	Logger       *slog.Logger
	Breakers     *breaker.Registry
	Providers    []observe.Provider
	Collector    *observe.Collector
	Store        *learn.Store
	Executor     *execute.Executor
	Sinks        []escalate.Sink
	Escalation   *escalate.Dispatcher
	Ledger       *ledger.Ledger
	Metrics      *metrics.Metrics
	Orchestrator *loop.Orchestrator

	logCloser io.Closer
	backend   learn.Backend
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// setup initializes all application components
func setup(ctx context.Context, configPath string, stdout io.Writer) (*App, error) {
	bootLogger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := loadConfig(configPath, bootLogger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	app := &App{Config: cfg, ConfigPath: configPath}
	app.Logger, app.logCloser = logging.New(cfg.Log, stdout)
	logger := app.Logger
	logger.Info("starting opsloop", "version", version, "config", configPath)

	ok := false
	defer func() {
		if !ok {
			app.Close(context.Background())
		}
	}()

	app.Breakers = breaker.NewRegistry(breaker.ConfigFrom(cfg.Breaker), logger)
	app.Metrics = metrics.New()

	// Observe
	if app.Providers, err = observe.BuildAll(cfg.Collector.Providers); err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	if len(app.Providers) == 0 {
		logger.Warn("no data providers configured; every cycle will be degraded")
	}
	app.Collector = observe.NewCollector(app.Providers, observe.NewHistory(cfg.Collector.HistorySize),
		app.Breakers, cfg.Collector.ProviderTimeout(), logger)

	// Oracle
	var advisor *oracle.Advisor
	if cfg.Oracle.Enabled {
		advisor = oracle.NewAdvisor(oracle.NewOpenAIOracle(cfg.Oracle, logger), app.Breakers,
			time.Duration(cfg.Oracle.TimeoutSec)*time.Second, logger)
		logger.Info("analysis oracle enabled", "model", cfg.Oracle.Model)
	}

	// Classify
	rules, err := classify.RulesFromConfig(cfg.Classifier.Rules)
	if err != nil {
		return nil, fmt.Errorf("classifier rules: %w", err)
	}
	classifier := classify.NewClassifier(rules, classify.NewTracker(), advisor, logger)

	// Plan
	catalog, err := plan.NewCatalog(cfg.Planner.Catalog)
	if err != nil {
		return nil, err
	}
	planner := plan.NewPlanner(plan.Config{
		ConfidenceFloor:  cfg.Planner.ConfidenceFloor,
		MinSamples:       cfg.Planner.MinSamples,
		Prior:            cfg.Learning.Prior,
		RateLimitPerHour: cfg.Planner.RateLimitPerHour,
	}, catalog, advisor, logger)

	// Validate
	if cfg.Validator.Backend == "local" && cfg.Validator.WorkDir == "" {
		cfg.Validator.WorkDir = filepath.Join(cfg.Server.DataDir, "trials")
	}
	backend, err := sandbox.New(cfg.Validator, logger)
	if err != nil {
		return nil, err
	}
	validator := validate.NewValidator(validate.ConfigFrom(cfg), backend, app.Breakers, logger)

	// Execute
	target, err := execute.NewTarget(cfg.Executor, logger)
	if err != nil {
		return nil, err
	}
	approvals, err := execute.NewApprovals(filepath.Join(cfg.Server.DataDir, "approvals"))
	if err != nil {
		return nil, err
	}
	var postCheck execute.PostCheck
	if id := cfg.Executor.PostCheckProvider; id != "" {
		postCheck = func(ctx context.Context) (types.Observation, error) {
			return app.Collector.Fetch(ctx, id)
		}
	}
	app.Executor = execute.NewExecutor(execute.Config{SafetyMode: cfg.Safety.SafetyMode, Cap: cfg.Planner.ActionCap},
		target, approvals, postCheck, logger)

	// Learn
	if cfg.Learning.Persist {
		db, err := learn.OpenSQLite(cfg.Learning.DBPath)
		if err != nil {
			return nil, err
		}
		app.backend = db
	}
	app.Store, err = learn.NewStore(ctx, learn.Config{Alpha: cfg.Learning.Alpha, Prior: cfg.Learning.Prior}, app.backend, logger)
	if err != nil {
		return nil, err
	}

	// Escalate
	app.Sinks = escalate.Build(cfg.Escalation, logger)
	app.Escalation = escalate.NewDispatcher(app.Sinks, cfg.Escalation.QueueSize, logger)
	app.Escalation.OnDelivery = func(sink string, kind escalate.Kind, err error) {
		app.Metrics.Escalation(sink, string(kind), err)
	}

	if app.Ledger, err = ledger.Open(filepath.Join(cfg.Server.DataDir, "ledger")); err != nil {
		return nil, err
	}

	schedule, err := loop.NewSchedule(cfg.Loop)
	if err != nil {
		return nil, err
	}
	app.Orchestrator, err = loop.New(loop.Deps{
		Collector:  app.Collector,
		Classifier: classifier,
		Planner:    planner,
		Validator:  validator,
		Executor:   app.Executor,
		Store:      app.Store,
		Breakers:   app.Breakers,
		Escalator:  app.Escalation,
		Ledger:     app.Ledger,
		Metrics:    app.Metrics,
	}, loop.Options{
		Schedule:     schedule,
		ActionCap:    cfg.Planner.ActionCap,
		CycleTimeout: cfg.Loop.CycleTimeout(),
	}, logger)
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// reload re-reads the config file and hot-applies its runtime settings.
func (a *App) reload() {
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	a.apply(cfg)
}

func (a *App) apply(cfg *config.Config) {
	if err := a.Orchestrator.ApplyConfig(cfg); err != nil {
		a.Logger.Error("config reload rejected", "error", err)
		return
	}
	a.Config = cfg
}

// Close releases every component. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Escalation != nil {
		if err := a.Escalation.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close escalation: %w", err))
		}
	}
	for _, s := range a.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
	if a.Store != nil {
		// Store.Close closes the backend too.
		if err := a.Store.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	if err := observe.CloseAll(a.Providers); err != nil {
		errs = append(errs, err)
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}
