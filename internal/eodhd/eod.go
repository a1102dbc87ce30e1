package eodhd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/logger"
	"portfolio-optimizer/internal/metrics"
)

const dateLayout = "2006-01-02"

// Bar is one day of end-of-day data.
type Bar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        int64   `json:"volume"`
}

// AdjustedPrice is the split- and dividend-adjusted close, falling back to
// the raw close when the feed has no adjustment.
func (b Bar) AdjustedPrice() float64 {
	if b.AdjustedClose > 0 {
		return b.AdjustedClose
	}
	return b.Close
}

// FetchEOD fetches daily bars for symbol in [from, to]; zero bounds are open.
func (c *Client) FetchEOD(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error) {
	q := url.Values{}
	q.Set("period", "d")
	if !from.IsZero() {
		q.Set("from", from.Format(dateLayout))
	}
	if !to.IsZero() {
		q.Set("to", to.Format(dateLayout))
	}

	var bars []Bar
	err := c.GetJSON(ctx, "eod/"+url.PathEscape(symbol), q, &bars)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		c.metrics.ObserveFetch(metrics.OutcomeNotFound)
		return nil, &engine.SymbolNotFoundError{Symbol: symbol}
	}
	if err != nil {
		c.metrics.ObserveFetch(metrics.OutcomeError)
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	c.metrics.ObserveFetch(metrics.OutcomeOK)

	// The API returns ascending dates; do not rely on it.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// PriceSeries implements engine.PriceHistoryProvider. Daily bars are always
// fetched and cached; the engine resamples to the requested frequency.
// Concurrent requests for the same window share one upstream call.
func (c *Client) PriceSeries(ctx context.Context, symbol string, start, end time.Time, _ engine.Frequency) ([]engine.PricePoint, error) {
	if c.cache != nil {
		if pts, ok := c.cache.GetPrices(symbol, start, end, c.ttl); ok {
			c.metrics.ObserveCache(metrics.OutcomeHit)
			return pts, nil
		}
		c.metrics.ObserveCache(metrics.OutcomeMiss)
	}

	key := fmt.Sprintf("%s|%s|%s", symbol, start.Format(dateLayout), end.Format(dateLayout))
	// The shared fetch outlives any one caller's cancellation; each caller
	// still stops waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		bars, err := c.FetchEOD(fetchCtx, symbol, start, end)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := c.cache.SetPrices(symbol, start, end, bars); err != nil {
				logger.Warn("EODHD", fmt.Sprintf("cache %s: %v", symbol, err))
			}
		}
		return barsToPoints(bars), nil
	})
	var v interface{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		v = r.Val
	}
	logger.Debug("EODHD", fmt.Sprintf("%s: %d bars fetched", symbol, len(v.([]engine.PricePoint))))
	return v.([]engine.PricePoint), nil
}

func barsToPoints(bars []Bar) []engine.PricePoint {
	out := make([]engine.PricePoint, 0, len(bars))
	for _, b := range bars {
		d, err := time.Parse(dateLayout, b.Date)
		if err != nil {
			continue
		}
		p := b.AdjustedPrice()
		if p <= 0 {
			continue
		}
		out = append(out, engine.PricePoint{Date: d, Close: p})
	}
	return out
}
