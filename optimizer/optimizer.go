// Package optimizer adapts trajectory optimization problems to nonlinear
// program solvers. NloptOptimizer wraps nlopt's SLSQP for constrained
// problems on cgo builds; GonumOptimizer is the pure-Go fallback, running
// LBFGS with equality-at-zero constraint rows folded in as an escalating
// quadratic penalty. Both record every objective evaluation into a Solution
// for inspection and warm recovery.
package optimizer

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/trajopt"
)

// ErrNoCgoSupport is returned by solvers that need cgo on builds without it.
var ErrNoCgoSupport = errors.New("nlopt is not supported on this build")

// derivativeCheckEps is the central-difference step for CheckDerivatives.
const derivativeCheckEps = 1e-7

// Optimizer minimizes a problem's loss subject to its constraints, reading
// the initial guess from and writing the result back into the problem's
// stored decision variables.
type Optimizer interface {
	Optimize(ctx context.Context, w dynamics.World, p trajopt.Problem) (*Solution, error)
}

// CheckDerivatives compares the problem's analytic gradient against central
// differences at the stored decision variables, logging every flat dimension
// whose disagreement exceeds tol. It returns the worst disagreement.
func CheckDerivatives(w dynamics.World, p trajopt.Problem, tol float64, logger golog.Logger) (float64, error) {
	dim := p.FlatProblemDim()
	if dim == 0 {
		return 0, nil
	}
	analytic := mat.NewVecDense(dim, nil)
	if err := p.BackpropGradient(w, analytic); err != nil {
		return 0, err
	}
	numeric := mat.NewVecDense(dim, nil)
	if err := trajopt.FiniteDifferenceGradient(p, w, numeric, derivativeCheckEps); err != nil {
		return 0, err
	}
	worst := 0.0
	for i := 0; i < dim; i++ {
		diff := math.Abs(analytic.AtVec(i) - numeric.AtVec(i))
		if diff > tol {
			logger.Warnw("analytic gradient disagrees with finite differences",
				"dim", p.FlatDimName(i),
				"analytic", analytic.AtVec(i),
				"numeric", numeric.AtVec(i),
				"diff", diff,
			)
		}
		if diff > worst {
			worst = diff
		}
	}
	return worst, nil
}

/// RecoverBest unflattens the best recorded iterate back into the problem:
// the lowest loss among records whose constraint norm is within tol, or the
// record closest to feasibility when none are. It reports whether a record
// was applied.
func RecoverBest(p trajopt.Problem, sol *Solution, tol float64) (bool, error) {
	best := -1
	feasible := false
	for i, r := range sol.Records {
		rFeasible := r.ConstraintNorm <= tol
		better := false
		switch {
		case best == -1:
			better = true
		case rFeasible != feasible:
			better = rFeasible
		case feasible:
			better = r.Loss < sol.Records[best].Loss
		default:
			better = r.ConstraintNorm < sol.Records[best].ConstraintNorm
		}
		if better {
			best, feasible = i, rFeasible
		}
	}
	if best == -1 {
		return false, nil
	}
	x := append([]float64(nil), sol.Records[best].X...)
	if err := p.Unflatten(mat.NewVecDense(len(x), x)); err != nil {
		return false, err
	}
	return true, nil
}

// enableParallel turns on per-shot concurrency when the problem supports it.
func enableParallel(p trajopt.Problem) {
	if ms, ok := p.(*trajopt.MultiShot); ok {
		ms.SetParallelOperationsEnabled(true)
	}
}

// constraintViolation is the Euclidean norm of how far values stray outside
// their box bounds.
func constraintViolation(values, lower, upper *mat.VecDense) float64 {
	sum := 0.0
	for i := 0; i < values.Len(); i++ {
		v := values.AtVec(i)
		excess := 0.0
		if lb := lower.AtVec(i); v < lb {
			excess = lb - v
		}
		if ub := upper.AtVec(i); v > ub {
			excess = v - ub
		}
		sum += excess * excess
	}
	return math.Sqrt(sum)
}

func vecSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
