package db

import (
	"fmt"
	"time"

	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/eodhd"
	"portfolio-optimizer/internal/logger"
)

const dateLayout = "2006-01-02"

// GetPrices returns cached adjusted closes for symbol in [start, end].
// It reports false when the cached fetch window does not cover the request
// or was refreshed more than ttl ago (ttl <= 0 never expires). Zero start or
// end mean "from the first" and "up to today".
func (d *DB) GetPrices(symbol string, start, end time.Time, ttl time.Duration) ([]engine.PricePoint, bool) {
	var from, to, updatedAt string
	err := d.sql.QueryRow(
		"SELECT fetched_from, fetched_to, updated_at FROM price_meta WHERE symbol=?",
		symbol,
	).Scan(&from, &to, &updatedAt)
	if err != nil {
		return nil, false
	}

	if ttl > 0 {
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil || time.Since(t) > ttl {
			return nil, false
		}
	}
	if !start.IsZero() && (from == "" || from > start.Format(dateLayout)) {
		return nil, false
	}
	if start.IsZero() && from != "" {
		return nil, false
	}
	wantTo := end
	if wantTo.IsZero() {
		wantTo = time.Now().UTC()
	}
	if to < wantTo.Format(dateLayout) {
		return nil, false
	}

	lo, hi := "", "9999-12-31"
	if !start.IsZero() {
		lo = start.Format(dateLayout)
	}
	if !end.IsZero() {
		hi = end.Format(dateLayout)
	}
	rows, err := d.sql.Query(
		"SELECT date, adjusted_close FROM prices WHERE symbol=? AND date>=? AND date<=? ORDER BY date",
		symbol, lo, hi,
	)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var out []engine.PricePoint
	for rows.Next() {
		var ds string
		var p engine.PricePoint
		if err := rows.Scan(&ds, &p.Close); err != nil {
			continue
		}
		if p.Date, err = time.Parse(dateLayout, ds); err != nil {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// SetPrices stores bars fetched for the window [from, to]. A zero from means
// the full history was requested. The recorded window is widened when it
// overlaps the previous one and replaced otherwise.
func (d *DB) SetPrices(symbol string, from, to time.Time, bars []eodhd.Bar) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO prices (symbol, date, close, adjusted_close, volume) VALUES (?,?,?,?,?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := time.Parse(dateLayout, b.Date); err != nil {
			continue
		}
		if _, err := stmt.Exec(symbol, b.Date, b.Close, b.AdjustedPrice(), b.Volume); err != nil {
			return fmt.Errorf("insert %s %s: %w", symbol, b.Date, err)
		}
	}

	newFrom := ""
	if !from.IsZero() {
		newFrom = from.Format(dateLayout)
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	newTo := to.Format(dateLayout)

	var oldFrom, oldTo string
	if err := tx.QueryRow("SELECT fetched_from, fetched_to FROM price_meta WHERE symbol=?", symbol).Scan(&oldFrom, &oldTo); err == nil {
		overlaps := oldFrom <= newTo && (newFrom <= oldTo)
		if overlaps {
			if oldFrom < newFrom {
				newFrom = oldFrom
			}
			if oldTo > newTo {
				newTo = oldTo
			}
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO price_meta (symbol, fetched_from, fetched_to, updated_at) VALUES (?,?,?,?)",
		symbol, newFrom, newTo, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// CachedSymbols lists symbols with stored prices and their recorded window.
func (d *DB) CachedSymbols() ([]PriceCoverage, error) {
	rows, err := d.sql.Query(`
		SELECT m.symbol, m.fetched_from, m.fetched_to, m.updated_at, COUNT(p.date)
		FROM price_meta m LEFT JOIN prices p ON p.symbol = m.symbol
		GROUP BY m.symbol ORDER BY m.symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceCoverage
	for rows.Next() {
		var c PriceCoverage
		if err := rows.Scan(&c.Symbol, &c.From, &c.To, &c.UpdatedAt, &c.Rows); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PriceCoverage summarizes the cache for one symbol.
type PriceCoverage struct {
	Symbol    string `json:"symbol"`
	From      string `json:"from"`
	To        string `json:"to"`
	UpdatedAt string `json:"updated_at"`
	Rows      int    `json:"rows"`
}

// CleanupStalePrices drops symbols whose cache was not refreshed within maxAge.
func (d *DB) CleanupStalePrices(maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	res, err := d.sql.Exec("DELETE FROM prices WHERE symbol IN (SELECT symbol FROM price_meta WHERE updated_at < ?)", cutoff)
	if err != nil {
		logger.Warn("DB", fmt.Sprintf("CleanupStalePrices: price delete error: %v", err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("DB", fmt.Sprintf("CleanupStalePrices: removed %d price rows", n))
	}
	if _, err := d.sql.Exec("DELETE FROM price_meta WHERE updated_at < ?", cutoff); err != nil {
		logger.Warn("DB", fmt.Sprintf("CleanupStalePrices: meta delete error: %v", err))
	}
}
