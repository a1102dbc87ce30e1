package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"portfolio-optimizer/internal/config"
	"portfolio-optimizer/internal/db"
	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/eodhd"
	"portfolio-optimizer/internal/logger"
	"portfolio-optimizer/internal/metrics"
)

// app is the state shared by all commands.
type app struct {
	cfgPath     string
	dbPath      string
	logLevel    string
	metricsFile string

	cfg     *config.Config
	store   *db.DB
	client  *eodhd.Client
	metrics *metrics.Recorder
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "portfolio-optimizer",
		Short:         "Portfolio optimization and risk analytics",
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug | info | warn | error")
	root.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")

	root.AddCommand(
		newOptimizeCmd(a),
		newFrontierCmd(a),
		newFetchCmd(a),
		newCacheCmd(a),
		newRunsCmd(a),
		newObjectivesCmd(),
		newConfigCmd(a),
	)
	return root
}

// init loads configuration, sets up logging and opens the store.
func (a *app) init() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return err
	}
	logger.Banner(version)

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.LoadConfig(cfg); err != nil {
		store.Close()
		return fmt.Errorf("load stored config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		store.Close()
		return err
	}

	a.cfg = cfg
	a.store = store
	a.metrics = metrics.NewRecorder()
	a.client = eodhd.NewClient(eodhd.Options{
		BaseURL:           cfg.EODHD.BaseURL,
		Token:             cfg.EODHD.Token,
		RequestsPerSecond: cfg.EODHD.RequestsPerSecond,
		Burst:             cfg.EODHD.Burst,
		MaxConcurrent:     cfg.EODHD.MaxConcurrent,
		Timeout:           cfg.EODHD.Timeout,
		CacheTTL:          cfg.EODHD.CacheTTL,
		Metrics:           a.metrics,
	}, store)
	return nil
}

// close flushes metrics and closes the store; safe to call more than once.
func (a *app) close() error {
	if a.metricsFile != "" && a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
			logger.Warn("METRICS", fmt.Sprintf("write %s: %v", a.metricsFile, err))
		}
	}
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *app) comparator() (*engine.Comparator, error) {
	opts, err := engineOptions(a.cfg, a.metrics)
	if err != nil {
		return nil, err
	}
	return engine.NewComparator(a.client, a.store, opts), nil
}
