// Package shapley computes QC review payouts as geometric-decay marginal
// contributions with budget normalization. It is a simplified Shapley-value
// approximation: each review pass is worth less than the one before it, and
// the worker baseline plus all potential pass marginals never exceeds the
// task value.
package shapley

// DefaultMaxPasses bounds how many review passes can ever carry value.
const DefaultMaxPasses = 5

// Params are the inputs for one calculation. Constructed fresh per call from
// the task, the review ledger, and a settings snapshot; never persisted as-is.
type Params struct {
	V         float64 // task dollar value
	V0        float64 // worker baseline, typically 0.7*V
	P0        float64 // confidence score from the automated review, 0..1
	Beta      float64 // first-pass scale: d1 = Beta * P0 * V
	Gamma     float64 // geometric decay per pass, 0..1
	MaxPasses int     // number of potential passes; 0 means DefaultMaxPasses
}

func (p Params) maxPasses() int {
	if p.MaxPasses <= 0 {
		return DefaultMaxPasses
	}
	return p.MaxPasses
}

// Result carries the per-pass values and the normalization applied, for audit.
type Result struct {
	Marginals  []float64 // value of each pass after normalization
	RawTotal   float64   // sum of marginals before normalization
	Alpha      float64   // scale applied; 1 when no normalization was needed
	Normalized bool
}

// Compute derives the per-pass marginal values. The first pass is worth
// d1 = beta*p0*V and each later pass decays by gamma. If the baseline plus
// the full potential total would exceed V, every pass is scaled by
// alpha = (V - v0) / rawTotal so the budget invariant v0 + sum <= V holds.
// Normalization is decided on the pre-normalization total and applied to all
// passes, so the per-pass unit value is stable regardless of when K grows.
func Compute(p Params) Result {
	n := p.maxPasses()
	marginals := make([]float64, n)
	d1 := p.Beta * p.P0 * p.V
	unit := d1
	var total float64
	for k := 0; k < n; k++ {
		marginals[k] = unit
		total += unit
		unit *= p.Gamma
	}

	res := Result{Marginals: marginals, RawTotal: total, Alpha: 1}
	if total > 0 && p.V0+total > p.V {
		alpha := (p.V - p.V0) / total
		if alpha < 0 {
			alpha = 0
		}
		for k := range marginals {
			marginals[k] *= alpha
		}
		res.Alpha = alpha
		res.Normalized = true
	}
	return res
}

// PayoutForPasses returns the cumulative QC payout for k review passes.
// k=0 returns 0; k beyond MaxPasses is capped at the full normalized total.
func PayoutForPasses(p Params, k int) float64 {
	res := Compute(p)
	if k > len(res.Marginals) {
		k = len(res.Marginals)
	}
	var sum float64
	for i := 0; i < k; i++ {
		sum += res.Marginals[i]
	}
	return sum
}
