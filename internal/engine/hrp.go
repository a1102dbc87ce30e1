package engine

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// allocateHRP runs hierarchical risk parity: cluster by correlation distance,
// order assets by the dendrogram and split capital by recursive bisection.
func allocateHRP(ctx context.Context, p *Problem, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error) {
	corr := correlationFromCov(p.Cov)
	order := clusterOrder(corr, s.HRPLinkage)
	w := recursiveBisection(p.Cov, order)
	res.Converged = true
	return enforceBounds(ctx, w, rc, s, res)
}

// correlationDistance is dᵢⱼ = √(½(1 − ρᵢⱼ)).
func correlationDistance(corr *mat.SymDense) [][]float64 {
	n := corr.SymmetricDim()
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
		for j := range d[i] {
			if i != j {
				d[i][j] = math.Sqrt(math.Max(0, 0.5*(1-corr.At(i, j))))
			}
		}
	}
	return d
}

// clusterOrder builds an agglomerative dendrogram over the correlation
// distance and returns its leaf order. Ties merge the lowest cluster ids
// first, so the order is a pure function of the correlation matrix.
func clusterOrder(corr *mat.SymDense, linkage Linkage) []int {
	d := correlationDistance(corr)
	n := len(d)
	if n == 0 {
		return nil
	}

	type cluster struct {
		leaves []int
	}
	clusters := make([]*cluster, n)
	for i := range clusters {
		clusters[i] = &cluster{leaves: []int{i}}
	}

	linkDist := func(a, b *cluster) float64 {
		if linkage == AverageLinkage {
			sum := 0.0
			for _, i := range a.leaves {
				for _, j := range b.leaves {
					sum += d[i][j]
				}
			}
			return sum / float64(len(a.leaves)*len(b.leaves))
		}
		best := math.Inf(1)
		for _, i := range a.leaves {
			for _, j := range b.leaves {
				best = math.Min(best, d[i][j])
			}
		}
		return best
	}

	for active := n; active > 1; active-- {
		bi, bj := -1, -1
		bestDist := math.Inf(1)
		for i := range clusters {
			if clusters[i] == nil {
				continue
			}
			for j := i + 1; j < len(clusters); j++ {
				if clusters[j] == nil {
					continue
				}
				if dist := linkDist(clusters[i], clusters[j]); dist < bestDist {
					bestDist, bi, bj = dist, i, j
				}
			}
		}
		merged := &cluster{leaves: append(append([]int(nil), clusters[bi].leaves...), clusters[bj].leaves...)}
		clusters[bi], clusters[bj] = nil, nil
		clusters = append(clusters, merged)
	}
	return clusters[len(clusters)-1].leaves
}

// recursiveBisection splits the ordered assets in halves and allocates
// between them by inverse cluster variance, αₗ = 1 − Vₗ/(Vₗ + Vᵣ).
func recursiveBisection(cov *mat.SymDense, order []int) []float64 {
	w := make([]float64, cov.SymmetricDim())
	for _, i := range order {
		w[i] = 1
	}
	var split func(items []int)
	split = func(items []int) {
		if len(items) < 2 {
			return
		}
		mid := len(items) / 2
		left, right := items[:mid], items[mid:]
		vl, vr := clusterVariance(cov, left), clusterVariance(cov, right)
		alpha := 0.5
		if vl+vr > 0 {
			alpha = 1 - vl/(vl+vr)
		}
		for _, i := range left {
			w[i] *= alpha
		}
		for _, i := range right {
			w[i] *= 1 - alpha
		}
		split(left)
		split(right)
	}
	split(order)
	return w
}

// clusterVariance is the variance of the inverse-variance portfolio of items.
func clusterVariance(cov *mat.SymDense, items []int) float64 {
	ivp := make([]float64, len(items))
	sum := 0.0
	for k, i := range items {
		v := cov.At(i, i)
		if v <= 0 {
			v = zeroVolatility
		}
		ivp[k] = 1 / v
		sum += ivp[k]
	}
	total := 0.0
	for a, i := range items {
		for b, j := range items {
			total += ivp[a] / sum * ivp[b] / sum * cov.At(i, j)
		}
	}
	return total
}
