package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// PriceHistoryProvider supplies close prices for one symbol. Implementations
// may return fewer periods than requested and return *SymbolNotFoundError for
// unknown symbols.
type PriceHistoryProvider interface {
	PriceSeries(ctx context.Context, symbol string, start, end time.Time, freq Frequency) ([]PricePoint, error)
}

// GroupProvider maps symbols to asset groups. Symbols absent from the result
// are ungrouped.
type GroupProvider interface {
	GroupsForSymbols(ctx context.Context, symbols []string) (map[string]string, error)
}

// SeriesRequest describes the aligned matrix to build.
type SeriesRequest struct {
	Symbols   []string
	Start     time.Time
	End       time.Time
	Frequency Frequency
	// MinPeriods is the minimum number of aligned returns; 12 when zero.
	MinPeriods int
	Kind       ReturnKind
}

// SymbolCoverage is the first and last aligned period available for a symbol.
type SymbolCoverage struct {
	Symbol  string    `json:"symbol"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
	Periods int       `json:"periods"`
}

const defaultMinPeriods = 12

// BuildReturnMatrix fetches prices for every symbol, keeps the last price of
// each period, intersects the period index across symbols and converts the
// aligned prices to period-over-period returns.
func BuildReturnMatrix(ctx context.Context, provider PriceHistoryProvider, req SeriesRequest) (*ReturnMatrix, error) {
	if len(req.Symbols) == 0 {
		return nil, invalidf("symbols", "at least one symbol is required")
	}
	if !req.End.IsZero() && req.End.Before(req.Start) {
		return nil, invalidf("end", "end date %s is before start %s", req.End.Format("2006-01-02"), req.Start.Format("2006-01-02"))
	}
	freq := req.Frequency
	if freq == "" {
		freq = Daily
	}
	minPeriods := req.MinPeriods
	if minPeriods <= 0 {
		minPeriods = defaultMinPeriods
	}

	seen := make(map[string]bool, len(req.Symbols))
	perSymbol := make([]map[periodKey]PricePoint, len(req.Symbols))
	coverage := make([]SymbolCoverage, len(req.Symbols))
	for i, sym := range req.Symbols {
		if seen[sym] {
			return nil, invalidf("symbols", "duplicate symbol %s", sym)
		}
		seen[sym] = true
		prices, err := provider.PriceSeries(ctx, sym, req.Start, req.End, freq)
		if err != nil {
			return nil, err
		}
		byPeriod := resampleToPeriods(prices, req.Start, req.End, freq)
		if len(byPeriod) == 0 {
			return nil, &InsufficientDataError{Symbols: []string{sym}, Have: 0, Need: minPeriods}
		}
		perSymbol[i] = byPeriod
		coverage[i] = coverageOf(sym, byPeriod)
	}

	// Intersect the period index across all symbols.
	var keys []periodKey
	for k := range perSymbol[0] {
		inAll := true
		for _, m := range perSymbol[1:] {
			if _, ok := m[k]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].before(keys[b]) })

	have := len(keys) - 1
	if have < 0 {
		have = 0
	}
	if have < minPeriods {
		err := &InsufficientDataError{
			Symbols: limitingSymbols(coverage, req.Start),
			Have:    have,
			Need:    minPeriods,
		}
		if len(keys) > 0 {
			latest := alignedDate(perSymbol, keys[len(keys)-1])
			err.SuggestedStart = shiftPeriods(latest, freq, -minPeriods)
		}
		return nil, err
	}

	m := &ReturnMatrix{
		Symbols:   append([]string(nil), req.Symbols...),
		Dates:     make([]time.Time, 0, have),
		Returns:   make([][]float64, 0, have),
		Frequency: freq,
	}
	for t := 1; t < len(keys); t++ {
		row := make([]float64, len(req.Symbols))
		for i := range req.Symbols {
			prev := perSymbol[i][keys[t-1]].Close
			cur := perSymbol[i][keys[t]].Close
			if prev <= 0 || cur <= 0 {
				return nil, fmt.Errorf("non-positive price for %s around %s", req.Symbols[i], perSymbol[i][keys[t]].Date.Format("2006-01-02"))
			}
			if req.Kind == LogReturns {
				row[i] = math.Log(cur / prev)
			} else {
				row[i] = cur/prev - 1
			}
		}
		m.Dates = append(m.Dates, alignedDate(perSymbol, keys[t]))
		m.Returns = append(m.Returns, row)
	}
	return m, nil
}

// periodKey identifies a calendar period: a day, an ISO week or a month.
type periodKey struct {
	year int
	sub  int
}

func (k periodKey) before(o periodKey) bool {
	if k.year != o.year {
		return k.year < o.year
	}
	return k.sub < o.sub
}

func keyFor(t time.Time, freq Frequency) periodKey {
	switch freq {
	case Weekly:
		y, w := t.ISOWeek()
		return periodKey{year: y, sub: w}
	case Monthly:
		return periodKey{year: t.Year(), sub: int(t.Month())}
	default:
		return periodKey{year: t.Year(), sub: t.YearDay()}
	}
}

// resampleToPeriods keeps the last in-window price of each period.
func resampleToPeriods(prices []PricePoint, start, end time.Time, freq Frequency) map[periodKey]PricePoint {
	out := make(map[periodKey]PricePoint)
	for _, p := range prices {
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}
		if !end.IsZero() && p.Date.After(end) {
			continue
		}
		if math.IsNaN(p.Close) {
			continue
		}
		k := keyFor(p.Date, freq)
		if cur, ok := out[k]; !ok || p.Date.After(cur.Date) {
			out[k] = p
		}
	}
	return out
}

// alignedDate labels an aligned period with the latest period-end date
// across symbols.
func alignedDate(perSymbol []map[periodKey]PricePoint, k periodKey) time.Time {
	var d time.Time
	for _, m := range perSymbol {
		if p := m[k]; p.Date.After(d) {
			d = p.Date
		}
	}
	return d
}

func coverageOf(sym string, byPeriod map[periodKey]PricePoint) SymbolCoverage {
	c := SymbolCoverage{Symbol: sym, Periods: len(byPeriod)}
	for _, p := range byPeriod {
		if c.First.IsZero() || p.Date.Before(c.First) {
			c.First = p.Date
		}
		if p.Date.After(c.Last) {
			c.Last = p.Date
		}
	}
	return c
}

// limitingSymbols names the symbols whose history starts latest. When the
// window start is known, only symbols starting after it are reported.
func limitingSymbols(cov []SymbolCoverage, start time.Time) []string {
	var latest time.Time
	for _, c := range cov {
		if c.First.After(latest) {
			latest = c.First
		}
	}
	var out []string
	for _, c := range cov {
		if !c.First.Equal(latest) {
			continue
		}
		// A week of slack absorbs weekends and holidays at the window start.
		if !start.IsZero() && !c.First.After(start.AddDate(0, 0, 7)) {
			continue
		}
		out = append(out, c.Symbol)
	}
	if len(out) == 0 {
		// Everyone started on time; the window itself is too short.
		for _, c := range cov {
			out = append(out, c.Symbol)
		}
	}
	return out
}

// shiftPeriods moves t by n periods of freq. Daily periods are business days;
// monthly shifts clamp to the end of the target month.
func shiftPeriods(t time.Time, freq Frequency, n int) time.Time {
	switch freq {
	case Weekly:
		return t.AddDate(0, 0, 7*n)
	case Monthly:
		first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		target := first.AddDate(0, n, 0)
		lastDay := target.AddDate(0, 1, -1).Day()
		day := t.Day()
		if day > lastDay || isMonthEnd(t) {
			day = lastDay
		}
		return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	default:
		step := 1
		if n < 0 {
			step = -1
			n = -n
		}
		d := t
		for n > 0 {
			d = d.AddDate(0, 0, step)
			if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
				n--
			}
		}
		return d
	}
}

func isMonthEnd(t time.Time) bool {
	return t.AddDate(0, 0, 1).Month() != t.Month()
}
