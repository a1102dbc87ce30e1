package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"portfolio-optimizer/internal/config"
)

// LoadConfig overlays persisted settings onto cfg. Unknown keys are ignored
// and malformed values keep the current setting.
func (d *DB) LoadConfig(cfg *config.Config) error {
	rows, err := d.sql.Query("SELECT key, value FROM config")
	if err != nil {
		return err
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	e := &cfg.Engine
	if v, ok := m["risk_free_rate"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			e.RiskFreeRate = f
		}
	}
	if v, ok := m["frequency"]; ok {
		e.Frequency = v
	}
	if v, ok := m["return_kind"]; ok {
		e.ReturnKind = v
	}
	if v, ok := m["min_periods"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.MinPeriods = n
		}
	}
	if v, ok := m["covariance_estimator"]; ok {
		e.CovarianceEstimator = v
	}
	if v, ok := m["bets_method"]; ok {
		e.BetsMethod = v
	}
	if v, ok := m["hrp_linkage"]; ok {
		e.HRPLinkage = v
	}
	if v, ok := m["frontier_points"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.FrontierPoints = n
		}
	}
	if v, ok := m["solver_restarts"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Solver.Restarts = n
		}
	}
	if v, ok := m["solver_timeout"]; ok {
		if dur, err := time.ParseDuration(v); err == nil {
			e.Solver.Timeout = dur
		}
	}
	if v, ok := m["resample_default"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			e.Resample.Default = n
		}
	}
	if v, ok := m["resample_method"]; ok {
		e.Resample.Method = v
	}
	return nil
}

// SaveConfig persists the user-tunable engine settings.
func (d *DB) SaveConfig(cfg *config.Config) error {
	e := cfg.Engine
	pairs := map[string]string{
		"risk_free_rate":       strconv.FormatFloat(e.RiskFreeRate, 'f', -1, 64),
		"frequency":            e.Frequency,
		"return_kind":          e.ReturnKind,
		"min_periods":          strconv.Itoa(e.MinPeriods),
		"covariance_estimator": e.CovarianceEstimator,
		"bets_method":          e.BetsMethod,
		"hrp_linkage":          e.HRPLinkage,
		"frontier_points":      strconv.Itoa(e.FrontierPoints),
		"solver_restarts":      strconv.Itoa(e.Solver.Restarts),
		"solver_timeout":       e.Solver.Timeout.String(),
		"resample_default":     strconv.Itoa(e.Resample.Default),
		"resample_method":      e.Resample.Method,
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range pairs {
		if _, err := stmt.Exec(k, v); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// SetConfigValue stores a single key after validating the resulting
// configuration. On rejection the previous value is kept.
func (d *DB) SetConfigValue(cfg *config.Config, key, value string) error {
	if !configKeys[key] {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := parseConfigValue(key, value); err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	var prev sql.NullString
	d.sql.QueryRow("SELECT value FROM config WHERE key=?", key).Scan(&prev)

	if _, err := d.sql.Exec("INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, value); err != nil {
		return err
	}
	trial := *cfg
	err := d.LoadConfig(&trial)
	if err == nil {
		err = trial.Validate()
	}
	if err != nil {
		if prev.Valid {
			d.sql.Exec("INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)", key, prev.String)
		} else {
			d.sql.Exec("DELETE FROM config WHERE key=?", key)
		}
		return err
	}
	*cfg = trial
	return nil
}

var configKeys = map[string]bool{
	"risk_free_rate": true, "frequency": true, "return_kind": true, "min_periods": true,
	"covariance_estimator": true, "bets_method": true, "hrp_linkage": true, "frontier_points": true,
	"solver_restarts": true, "solver_timeout": true, "resample_default": true, "resample_method": true,
}

func parseConfigValue(key, value string) error {
	var err error
	switch key {
	case "risk_free_rate":
		_, err = strconv.ParseFloat(value, 64)
	case "min_periods", "frontier_points", "solver_restarts", "resample_default":
		_, err = strconv.Atoi(value)
	case "solver_timeout":
		_, err = time.ParseDuration(value)
	}
	return err
}
