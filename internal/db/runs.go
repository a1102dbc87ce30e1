package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/logger"
)

// RunRecord is a stored comparison run.
type RunRecord struct {
	ID          string          `json:"id"`
	CreatedAt   string          `json:"created_at"`
	Objective   string          `json:"objective"`
	Symbols     []string        `json:"symbols"`
	Start       string          `json:"start"`
	End         string          `json:"end"`
	Frequency   string          `json:"frequency"`
	Periods     int             `json:"periods"`
	Converged   bool            `json:"converged"`
	Sharpe      *float64        `json:"sharpe"`
	HealthScore *float64        `json:"health_score"`
	DurationMs  int64           `json:"duration_ms"`
	Params      json.RawMessage `json:"params"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// InsertRun stores a comparison result together with the parameters that
// produced it.
func (d *DB) InsertRun(res *engine.ComparisonResult, params interface{}) error {
	if res == nil || res.Optimization == nil || res.Optimized == nil {
		return fmt.Errorf("incomplete comparison result")
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	resultJSON, err := json.Marshal(res)
	if err != nil {
		// Non-finite statistics cannot be encoded; keep the summary row.
		logger.Warn("DB", fmt.Sprintf("run %s: result not stored: %v", res.RunID, err))
		resultJSON = []byte("{}")
	}
	symbolsJSON, _ := json.Marshal(res.Symbols)

	var sharpe, health sql.NullFloat64
	if s := res.Optimized.Performance.Sharpe; s != nil {
		sharpe = sql.NullFloat64{Float64: *s, Valid: true}
	}
	if dv := res.Optimized.Diversification; dv != nil {
		health = sql.NullFloat64{Float64: dv.HealthScore, Valid: true}
	}

	_, err = d.sql.Exec(`
		INSERT INTO optimization_runs
			(id, created_at, objective, symbols, start_date, end_date, frequency, periods,
			 converged, sharpe, health_score, duration_ms, params_json, result_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.RunID, time.Now().UTC().Format(time.RFC3339), string(res.Optimization.Objective), string(symbolsJSON),
		res.Period.Start.Format(dateLayout), res.Period.End.Format(dateLayout), string(res.Period.Frequency), res.Period.Periods,
		res.Optimization.Converged, sharpe, health, res.Elapsed.Milliseconds(), string(paramsJSON), string(resultJSON),
	)
	return err
}

// GetRuns returns the last limit runs, newest first, without result payloads.
func (d *DB) GetRuns(limit int) []RunRecord {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.Query(`
		SELECT id, created_at, objective, symbols, start_date, end_date, frequency, periods,
		       converged, sharpe, health_score, duration_ms, params_json
		FROM optimization_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return []RunRecord{}
	}
	defer rows.Close()

	records := []RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows, false)
		if err != nil {
			continue
		}
		records = append(records, *r)
	}
	return records
}

// GetRun returns one run including its result payload.
func (d *DB) GetRun(id string) (*RunRecord, error) {
	row := d.sql.QueryRow(`
		SELECT id, created_at, objective, symbols, start_date, end_date, frequency, periods,
		       converged, sharpe, health_score, duration_ms, params_json, result_json
		FROM optimization_runs WHERE id=?`, id)
	r, err := scanRun(row, true)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return r, nil
}

// DeleteRun removes a stored run.
func (d *DB) DeleteRun(id string) error {
	res, err := d.sql.Exec("DELETE FROM optimization_runs WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner, withResult bool) (*RunRecord, error) {
	var r RunRecord
	var symbols, params, result string
	var sharpe, health sql.NullFloat64
	dest := []interface{}{&r.ID, &r.CreatedAt, &r.Objective, &symbols, &r.Start, &r.End, &r.Frequency, &r.Periods,
		&r.Converged, &sharpe, &health, &r.DurationMs, &params}
	if withResult {
		dest = append(dest, &result)
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(symbols), &r.Symbols)
	r.Params = json.RawMessage(params)
	if withResult {
		r.Result = json.RawMessage(result)
	}
	if sharpe.Valid {
		r.Sharpe = &sharpe.Float64
	}
	if health.Valid {
		r.HealthScore = &health.Float64
	}
	return &r, nil
}
