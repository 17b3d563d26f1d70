package finitediff

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// riddersDiv is the factor the step shrinks by between table rows.
	riddersDiv = 1.4
	// riddersMaxOrder bounds the extrapolation table size.
	riddersMaxOrder = 10
	// riddersSafety stops refinement once the newest diagonal entry's error
	// regresses by this factor over the best error seen.
	riddersSafety = 2.0
)

// RiddersDerivative estimates df/dx at x by Richardson extrapolation over a
// table of shrinking-step central differences, returning the estimate and an
// error bound. startStep should be an interval over which f changes
// appreciably, not an infinitesimal; the extrapolation shrinks it itself.
func RiddersDerivative(f func(float64) float64, x, startStep float64) (float64, float64) {
	var tab [riddersMaxOrder][riddersMaxOrder]float64
	step := startStep
	tab[0][0] = (f(x+step) - f(x-step)) / (2 * step)
	result := tab[0][0]
	best := math.Inf(1)
	for i := 1; i < riddersMaxOrder; i++ {
		step /= riddersDiv
		tab[i][0] = (f(x+step) - f(x-step)) / (2 * step)
		fac := riddersDiv * riddersDiv
		for j := 1; j <= i; j++ {
			tab[i][j] = (tab[i][j-1]*fac - tab[i-1][j-1]) / (fac - 1)
			fac *= riddersDiv * riddersDiv
			errt := math.Max(
				math.Abs(tab[i][j]-tab[i][j-1]),
				math.Abs(tab[i][j]-tab[i-1][j-1]),
			)
			if errt <= best {
				best = errt
				result = tab[i][j]
			}
		}
		if math.Abs(tab[i][i]-tab[i-1][i-1]) >= riddersSafety*best {
			break
		}
	}
	return result, best
}

// RiddersJacobian fills dst with the Jacobian of f at x, extrapolating each
// input dimension's central-difference column elementwise. f writes its m
// outputs into out; dst is m x len(x). The returned value is the worst
// per-column error estimate.
func RiddersJacobian(dst *mat.Dense, f func(out, x []float64), x []float64, startStep float64) float64 {
	m, n := dst.Dims()
	if n != len(x) {
		panic("finitediff: jacobian size mismatch")
	}
	xp := make([]float64, len(x))
	plus := make([]float64, m)
	minus := make([]float64, m)
	worst := 0.0
	for k := 0; k < n; k++ {
		central := func(step float64) []float64 {
			copy(xp, x)
			xp[k] = x[k] + step
			f(plus, xp)
			xp[k] = x[k] - step
			f(minus, xp)
			d := make([]float64, m)
			for e := 0; e < m; e++ {
				d[e] = (plus[e] - minus[e]) / (2 * step)
			}
			return d
		}

		var tab [riddersMaxOrder][riddersMaxOrder][]float64
		step := startStep
		tab[0][0] = central(step)
		bestCol := tab[0][0]
		best := math.Inf(1)
		for i := 1; i < riddersMaxOrder; i++ {
			step /= riddersDiv
			tab[i][0] = central(step)
			fac := riddersDiv * riddersDiv
			for j := 1; j <= i; j++ {
				cur := make([]float64, m)
				errt := 0.0
				for e := 0; e < m; e++ {
					cur[e] = (tab[i][j-1][e]*fac - tab[i-1][j-1][e]) / (fac - 1)
					et := math.Max(
						math.Abs(cur[e]-tab[i][j-1][e]),
						math.Abs(cur[e]-tab[i-1][j-1][e]),
					)
					if et > errt {
						errt = et
					}
				}
				tab[i][j] = cur
				fac *= riddersDiv * riddersDiv
				if errt <= best {
					best = errt
					bestCol = cur
				}
			}
			diag := 0.0
			for e := 0; e < m; e++ {
				d := math.Abs(tab[i][i][e] - tab[i-1][i-1][e])
				if d > diag {
					diag = d
				}
			}
			if diag >= riddersSafety*best {
				break
			}
		}
		for e := 0; e < m; e++ {
			dst.Set(e, k, bestCol[e])
		}
		if best > worst {
			worst = best
		}
	}
	return worst
}
