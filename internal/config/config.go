package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application settings (in-memory representation).
// Key/value overrides can be persisted by the internal/db package.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Health   HealthConfig   `yaml:"health"`
	Stress   []StressWindow `yaml:"stress_windows"`
	Database DatabaseConfig `yaml:"database"`
	EODHD    EODHDConfig    `yaml:"eodhd"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig tunes return construction and the optimizer.
type EngineConfig struct {
	RiskFreeRate        float64 `yaml:"risk_free_rate"` // annual, decimal
	Frequency           string  `yaml:"frequency"`      // daily | weekly | monthly
	ReturnKind          string  `yaml:"return_kind"`    // simple | log
	MinPeriods          int     `yaml:"min_periods"`
	CovarianceEstimator string  `yaml:"covariance_estimator"` // sample | ledoit_wolf
	BetsMethod          string  `yaml:"bets_method"`          // entropy | inverse_hhi
	HRPLinkage          string  `yaml:"hrp_linkage"`          // single | average
	FrontierPoints      int     `yaml:"frontier_points"`
	ScatterPoints       int     `yaml:"scatter_points"`
	ZeroWeightEpsilon   float64 `yaml:"zero_weight_epsilon"`

	Solver   SolverConfig   `yaml:"solver"`
	Resample ResampleConfig `yaml:"resample"`
}

// SolverConfig bounds each optimization solve.
type SolverConfig struct {
	Restarts                int           `yaml:"restarts"`
	MaxIterations           int           `yaml:"max_iterations"`
	OuterIterations         int           `yaml:"outer_iterations"`
	Tolerance               float64       `yaml:"tolerance"`
	Timeout                 time.Duration `yaml:"timeout"`
	Seed                    uint64        `yaml:"seed"`
	RiskParityMaxIterations int           `yaml:"risk_parity_max_iterations"`
}

// ResampleConfig controls the robust_ objectives.
type ResampleConfig struct {
	Default            int     `yaml:"default"`
	Min                int     `yaml:"min"`
	Max                int     `yaml:"max"`
	BlockSize          int     `yaml:"block_size"`
	Method             string  `yaml:"method"` // stationary | block | iid
	MinSuccessFraction float64 `yaml:"min_success_fraction"`
	RetryFraction      float64 `yaml:"retry_fraction"`
	BaseSeed           uint64  `yaml:"base_seed"`
	Workers            int     `yaml:"workers"` // 0 = GOMAXPROCS
}

// HealthWeights are integer percentages and must sum to 100.
type HealthWeights struct {
	Sharpe   int `yaml:"sharpe"`
	DivRatio int `yaml:"div_ratio"`
	HHI      int `yaml:"hhi"`
	Drawdown int `yaml:"drawdown"`
}

// Valid reports whether the weights are non-negative and sum to 100.
func (w HealthWeights) Valid() bool {
	if w.Sharpe < 0 || w.DivRatio < 0 || w.HHI < 0 || w.Drawdown < 0 {
		return false
	}
	return w.Sharpe+w.DivRatio+w.HHI+w.Drawdown == 100
}

// Breakpoint maps a metric value to a 0-100 score.
type Breakpoint struct {
	Value float64 `yaml:"value"`
	Score float64 `yaml:"score"`
}

// HealthConfig configures the diversification health score.
type HealthConfig struct {
	Weights HealthWeights `yaml:"weights"`
	// Piecewise-linear score tables; drawdown is on its magnitude.
	Sharpe   []Breakpoint `yaml:"sharpe"`
	DivRatio []Breakpoint `yaml:"div_ratio"`
	HHI      []Breakpoint `yaml:"hhi"`
	Drawdown []Breakpoint `yaml:"drawdown"`
	// HHI label bands.
	WellDiversifiedHHI float64 `yaml:"well_diversified_hhi"`
	ConcentratedHHI    float64 `yaml:"concentrated_hhi"`
}

// StressWindow is a named historical period, dates as YYYY-MM-DD.
type StressWindow struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Dates parses the window bounds.
func (w StressWindow) Dates() (time.Time, time.Time, error) {
	start, err := time.Parse(time.DateOnly, w.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stress window %q start: %w", w.Name, err)
	}
	end, err := time.Parse(time.DateOnly, w.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stress window %q end: %w", w.Name, err)
	}
	return start, end, nil
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EODHDConfig configures the price history client.
type EODHDConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // console | json
	File       string `yaml:"file"`   // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			RiskFreeRate:        0.04,
			Frequency:           "daily",
			ReturnKind:          "simple",
			MinPeriods:          12,
			CovarianceEstimator: "sample",
			BetsMethod:          "entropy",
			HRPLinkage:          "single",
			FrontierPoints:      30,
			ScatterPoints:       200,
			ZeroWeightEpsilon:   1e-4,
			Solver: SolverConfig{
				Restarts:                6,
				MaxIterations:           5000,
				OuterIterations:         30,
				Tolerance:               1e-9,
				Timeout:                 30 * time.Second,
				Seed:                    42,
				RiskParityMaxIterations: 10000,
			},
			Resample: ResampleConfig{
				Default:            100,
				Min:                10,
				Max:                500,
				BlockSize:          5,
				Method:             "stationary",
				MinSuccessFraction: 0.5,
				RetryFraction:      0.5,
				BaseSeed:           42,
			},
		},
		Health: HealthConfig{
			Weights:            HealthWeights{Sharpe: 40, DivRatio: 30, HHI: 10, Drawdown: 20},
			Sharpe:             []Breakpoint{{Value: 0, Score: 0}, {Value: 2, Score: 100}},
			DivRatio:           []Breakpoint{{Value: 1, Score: 0}, {Value: 2, Score: 100}},
			HHI:                []Breakpoint{{Value: 0.10, Score: 100}, {Value: 0.25, Score: 50}, {Value: 1, Score: 0}},
			Drawdown:           []Breakpoint{{Value: 0, Score: 100}, {Value: 0.5, Score: 0}},
			WellDiversifiedHHI: 0.15,
			ConcentratedHHI:    0.25,
		},
		Stress: []StressWindow{
			{Name: "Covid-19", Start: "2020-02-19", End: "2020-03-23"},
			{Name: "2022 Bear", Start: "2022-01-03", End: "2022-10-12"},
			{Name: "2018 Correction", Start: "2018-09-20", End: "2018-12-24"},
			{Name: "2008 Crisis", Start: "2007-10-09", End: "2009-03-09"},
		},
		Database: DatabaseConfig{Path: "portfolio.db"},
		EODHD: EODHDConfig{
			BaseURL:           "https://eodhd.com/api",
			RequestsPerSecond: 5,
			Burst:             5,
			MaxConcurrent:     4,
			Timeout:           30 * time.Second,
			CacheTTL:          24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and environment variables. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORTFOLIO_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PORTFOLIO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PORTFOLIO_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("PORTFOLIO_FREQUENCY"); v != "" {
		c.Engine.Frequency = v
	}
	if v := os.Getenv("PORTFOLIO_RISK_FREE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PORTFOLIO_RISK_FREE_RATE: %w", err)
		}
		c.Engine.RiskFreeRate = f
	}
	if v := os.Getenv("PORTFOLIO_SOLVER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PORTFOLIO_SOLVER_TIMEOUT: %w", err)
		}
		c.Engine.Solver.Timeout = d
	}
	if v := os.Getenv("EODHD_API_TOKEN"); v != "" {
		c.EODHD.Token = v
	}
	if v := os.Getenv("EODHD_BASE_URL"); v != "" {
		c.EODHD.BaseURL = v
	}
	return nil
}

// Validate rejects out-of-range settings.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.RiskFreeRate < -1 || e.RiskFreeRate > 1 {
		errs = append(errs, fmt.Errorf("engine.risk_free_rate %v out of range [-1, 1]", e.RiskFreeRate))
	}
	switch e.Frequency {
	case "daily", "weekly", "monthly":
	default:
		errs = append(errs, fmt.Errorf("engine.frequency %q must be daily, weekly or monthly", e.Frequency))
	}
	if e.MinPeriods < 2 {
		errs = append(errs, fmt.Errorf("engine.min_periods %d must be at least 2", e.MinPeriods))
	}
	if e.FrontierPoints < 2 {
		errs = append(errs, fmt.Errorf("engine.frontier_points %d must be at least 2", e.FrontierPoints))
	}
	if e.Solver.Restarts < 1 || e.Solver.MaxIterations < 1 {
		errs = append(errs, errors.New("engine.solver restarts and max_iterations must be positive"))
	}
	if e.Solver.Timeout <= 0 {
		errs = append(errs, errors.New("engine.solver.timeout must be positive"))
	}
	r := e.Resample
	if r.Min < 1 || r.Min > r.Max {
		errs = append(errs, fmt.Errorf("engine.resample bounds [%d, %d] are invalid", r.Min, r.Max))
	} else if r.Default < r.Min || r.Default > r.Max {
		errs = append(errs, fmt.Errorf("engine.resample.default %d outside [%d, %d]", r.Default, r.Min, r.Max))
	}
	if r.BlockSize < 1 {
		errs = append(errs, fmt.Errorf("engine.resample.block_size %d must be positive", r.BlockSize))
	}
	if r.MinSuccessFraction <= 0 || r.MinSuccessFraction > 1 {
		errs = append(errs, fmt.Errorf("engine.resample.min_success_fraction %v must be in (0, 1]", r.MinSuccessFraction))
	}
	if !c.Health.Weights.Valid() {
		errs = append(errs, fmt.Errorf("health.weights %+v must be non-negative and sum to 100", c.Health.Weights))
	}
	if c.Health.WellDiversifiedHHI > c.Health.ConcentratedHHI {
		errs = append(errs, errors.New("health.well_diversified_hhi must not exceed concentrated_hhi"))
	}
	for _, w := range c.Stress {
		start, end, err := w.Dates()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if end.Before(start) {
			errs = append(errs, fmt.Errorf("stress window %q ends before it starts", w.Name))
		}
	}
	return errors.Join(errs...)
}
