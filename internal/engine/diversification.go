package engine

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// HealthWeights are integer-percentage weights of the health score sub-scores.
type HealthWeights struct {
	Sharpe   int `json:"sharpe" yaml:"sharpe"`
	DivRatio int `json:"div_ratio" yaml:"div_ratio"`
	HHI      int `json:"hhi" yaml:"hhi"`
	Drawdown int `json:"drawdown" yaml:"drawdown"`
}

// DefaultHealthWeights is 40/30/10/20.
func DefaultHealthWeights() HealthWeights {
	return HealthWeights{Sharpe: 40, DivRatio: 30, HHI: 10, Drawdown: 20}
}

// Validate requires non-negative weights summing to 100.
func (h HealthWeights) Validate() error {
	if h.Sharpe < 0 || h.DivRatio < 0 || h.HHI < 0 || h.Drawdown < 0 {
		return invalidf("health_weights", "weights must be non-negative, got %+v", h)
	}
	if sum := h.Sharpe + h.DivRatio + h.HHI + h.Drawdown; sum != 100 {
		return invalidf("health_weights", "weights sum to %d, want 100", sum)
	}
	return nil
}

// ResolveHealthWeights returns override when valid, else the defaults plus a
// warning describing why the override was rejected.
func ResolveHealthWeights(override *HealthWeights) (HealthWeights, string) {
	if override == nil {
		return DefaultHealthWeights(), ""
	}
	if err := override.Validate(); err != nil {
		return DefaultHealthWeights(), fmt.Sprintf("health weights rejected, using defaults: %v", err)
	}
	return *override, ""
}

// Breakpoint maps a metric value to a score in [0,100].
type Breakpoint struct {
	Value float64 `json:"value" yaml:"value"`
	Score float64 `json:"score" yaml:"score"`
}

// HealthScale holds the piecewise-linear tables used to score each metric.
// Drawdown breakpoints are on the drawdown magnitude.
type HealthScale struct {
	Sharpe   []Breakpoint `json:"sharpe" yaml:"sharpe"`
	DivRatio []Breakpoint `json:"div_ratio" yaml:"div_ratio"`
	HHI      []Breakpoint `json:"hhi" yaml:"hhi"`
	Drawdown []Breakpoint `json:"drawdown" yaml:"drawdown"`
}

// DefaultHealthScale: Sharpe 0→0, 2→100; diversification ratio 1→0, 2→100;
// HHI 0.1→100, 0.25→50, 1→0; drawdown 0→100, 50%→0.
func DefaultHealthScale() HealthScale {
	return HealthScale{
		Sharpe:   []Breakpoint{{0, 0}, {2, 100}},
		DivRatio: []Breakpoint{{1, 0}, {2, 100}},
		HHI:      []Breakpoint{{0.10, 100}, {0.25, 50}, {1, 0}},
		Drawdown: []Breakpoint{{0, 100}, {0.5, 0}},
	}
}

// score interpolates x through the table, clamping outside its range.
func score(table []Breakpoint, x float64) float64 {
	if len(table) == 0 || math.IsNaN(x) {
		return 0
	}
	pts := append([]Breakpoint(nil), table...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Value < pts[j].Value })
	if x <= pts[0].Value {
		return clampScore(pts[0].Score)
	}
	last := pts[len(pts)-1]
	if x >= last.Value {
		return clampScore(last.Score)
	}
	for k := 1; k < len(pts); k++ {
		if x <= pts[k].Value {
			a, b := pts[k-1], pts[k]
			if b.Value == a.Value {
				return clampScore(b.Score)
			}
			f := (x - a.Value) / (b.Value - a.Value)
			return clampScore(a.Score + f*(b.Score-a.Score))
		}
	}
	return clampScore(last.Score)
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}

// BetsEstimator turns a correlation matrix into an effective number of
// independent bets.
type BetsEstimator interface {
	Name() string
	EffectiveBets(corr *mat.SymDense) (float64, error)
}

// EntropyBets is exp(−Σ pᵢ ln pᵢ) with pᵢ = λᵢ/Σλ over correlation eigenvalues.
type EntropyBets struct{}

func (EntropyBets) Name() string { return "entropy" }

func (EntropyBets) EffectiveBets(corr *mat.SymDense) (float64, error) {
	p, err := eigenShares(corr)
	if err != nil {
		return 0, err
	}
	h := 0.0
	for _, pi := range p {
		if pi > 0 {
			h -= pi * math.Log(pi)
		}
	}
	return math.Exp(h), nil
}

// InverseHHIBets is 1/Σpᵢ² over correlation eigenvalue shares.
type InverseHHIBets struct{}

func (InverseHHIBets) Name() string { return "inverse_hhi" }

func (InverseHHIBets) EffectiveBets(corr *mat.SymDense) (float64, error) {
	p, err := eigenShares(corr)
	if err != nil {
		return 0, err
	}
	s := 0.0
	for _, pi := range p {
		s += pi * pi
	}
	if s == 0 {
		return 0, fmt.Errorf("degenerate eigenvalue spectrum")
	}
	return 1 / s, nil
}

// BetsEstimatorByName returns the estimator for "entropy" (default) or "inverse_hhi".
func BetsEstimatorByName(name string) (BetsEstimator, error) {
	switch name {
	case "", "entropy":
		return EntropyBets{}, nil
	case "inverse_hhi":
		return InverseHHIBets{}, nil
	}
	return nil, invalidf("bets_method", "unknown effective-bets method %q", name)
}

// eigenShares returns the eigenvalues of corr normalized to sum to 1.
// Small negative eigenvalues from rounding are clipped to zero.
func eigenShares(corr *mat.SymDense) ([]float64, error) {
	var es mat.EigenSym
	if ok := es.Factorize(corr, false); !ok {
		return nil, fmt.Errorf("eigen decomposition failed")
	}
	vals := es.Values(nil)
	total := 0.0
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
		total += vals[i]
	}
	if total <= 0 {
		return nil, fmt.Errorf("degenerate eigenvalue spectrum")
	}
	for i := range vals {
		vals[i] /= total
	}
	return vals, nil
}

// HHIBands are the concentration label thresholds.
type HHIBands struct {
	WellDiversified float64 `json:"well_diversified" yaml:"well_diversified"` // below: well diversified
	Concentrated    float64 `json:"concentrated" yaml:"concentrated"`         // above: concentrated
}

// DefaultHHIBands is 0.15 / 0.25.
func DefaultHHIBands() HHIBands { return HHIBands{WellDiversified: 0.15, Concentrated: 0.25} }

// Label classifies an HHI value.
func (b HHIBands) Label(hhi float64) string {
	switch {
	case hhi < b.WellDiversified:
		return "well_diversified"
	case hhi <= b.Concentrated:
		return "moderate"
	default:
		return "concentrated"
	}
}

// HealthSubScores are the four normalized components of the health score.
type HealthSubScores struct {
	Sharpe   float64 `json:"sharpe"`
	DivRatio float64 `json:"div_ratio"`
	HHI      float64 `json:"hhi"`
	Drawdown float64 `json:"drawdown"`
}

// DiversificationMetrics describes how concentrated a portfolio is.
type DiversificationMetrics struct {
	HHI                  float64         `json:"hhi"`
	HHILabel             string          `json:"hhi_label"`
	DiversificationRatio *float64        `json:"diversification_ratio"`
	EffectiveBets        *float64        `json:"effective_bets"`
	EffectiveBetsMethod  string          `json:"effective_bets_method"`
	HealthScore          float64         `json:"health_score"`
	SubScores            HealthSubScores `json:"sub_scores"`
	HealthWeights        HealthWeights   `json:"health_weights"`
}

// DiversificationOptions configures ComputeDiversification. Zero values use defaults.
type DiversificationOptions struct {
	Weights HealthWeights
	Scale   HealthScale
	Bands   HHIBands
	Bets    BetsEstimator
	// ZeroEpsilon excludes tiny weights from the effective-bets correlation block.
	ZeroEpsilon float64
}

// ComputeDiversification scores weights (aligned with model.Symbols) given the
// portfolio's realized Sharpe and max drawdown.
func ComputeDiversification(model *RiskModel, weights []float64, sharpe *float64, maxDrawdown float64, opts DiversificationOptions) (*DiversificationMetrics, error) {
	if len(weights) != len(model.Symbols) {
		return nil, invalidf("weights", "%d weights for %d assets", len(weights), len(model.Symbols))
	}
	if opts.Weights == (HealthWeights{}) {
		opts.Weights = DefaultHealthWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.Scale.Sharpe == nil {
		opts.Scale = DefaultHealthScale()
	}
	if opts.Bands == (HHIBands{}) {
		opts.Bands = DefaultHHIBands()
	}
	if opts.Bets == nil {
		opts.Bets = EntropyBets{}
	}
	if opts.ZeroEpsilon <= 0 {
		opts.ZeroEpsilon = 1e-4
	}

	d := &DiversificationMetrics{
		HHI:                 hhi(weights),
		EffectiveBetsMethod: opts.Bets.Name(),
		HealthWeights:       opts.Weights,
	}
	d.HHILabel = opts.Bands.Label(d.HHI)
	d.DiversificationRatio = diversificationRatio(weights, model.Vols, model.Cov)

	var held []int
	for i, w := range weights {
		if math.Abs(w) >= opts.ZeroEpsilon {
			held = append(held, i)
		}
	}
	if len(held) > 0 {
		if enb, err := opts.Bets.EffectiveBets(model.Submodel(held).Corr); err == nil {
			d.EffectiveBets = ptr(enb)
		}
	}

	if sharpe != nil {
		d.SubScores.Sharpe = score(opts.Scale.Sharpe, *sharpe)
	}
	if d.DiversificationRatio != nil {
		d.SubScores.DivRatio = score(opts.Scale.DivRatio, *d.DiversificationRatio)
	}
	d.SubScores.HHI = score(opts.Scale.HHI, d.HHI)
	d.SubScores.Drawdown = score(opts.Scale.Drawdown, math.Abs(maxDrawdown))

	total := float64(opts.Weights.Sharpe)*d.SubScores.Sharpe +
		float64(opts.Weights.DivRatio)*d.SubScores.DivRatio +
		float64(opts.Weights.HHI)*d.SubScores.HHI +
		float64(opts.Weights.Drawdown)*d.SubScores.Drawdown
	d.HealthScore = clampScore(total / 100)
	return d, nil
}

// hhi is Σwᵢ².
func hhi(weights []float64) float64 {
	s := 0.0
	for _, w := range weights {
		s += w * w
	}
	return s
}

// diversificationRatio is Σwᵢσᵢ / √(wᵀΣw); nil for zero portfolio volatility.
func diversificationRatio(w, vols []float64, cov *mat.SymDense) *float64 {
	pv := math.Sqrt(portfolioVariance(w, cov))
	if pv <= zeroVolatility {
		return nil
	}
	return ptr(dotProduct(w, vols) / pv)
}
