package optimizer

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/trajopt"
)

// penalty schedule for equality constraints.
const (
	penaltyStartWeight = 10.0
	penaltyGrowth      = 10.0
	penaltyRounds      = 4
)

// GonumOptimizer solves problems with gonum's L-BFGS, folding equality
// constraints into a quadratic penalty that tightens over a fixed number of
// rounds. Inequality constraint rows are rejected; those need NloptOptimizer.
type GonumOptimizer struct {
	opts   *Options
	clk    clock.Clock
	logger golog.Logger
}

// NewGonumOptimizer returns an L-BFGS adapter. Nil options use the defaults.
func NewGonumOptimizer(opts *Options, logger golog.Logger) *GonumOptimizer {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &GonumOptimizer{opts: opts, clk: clock.New(), logger: logger}
}

// Optimize runs penalty rounds of L-BFGS from the problem's initial guess,
// leaving the solved decision variables in the problem.
func (o *GonumOptimizer) Optimize(ctx context.Context, w dynamics.World, p trajopt.Problem) (*Solution, error) {
	dim := p.FlatProblemDim()
	if dim == 0 {
		return nil, errors.New("problem has no decision variables")
	}
	if o.opts.Parallel {
		enableParallel(p)
	}
	if o.opts.CheckDerivatives {
		if _, err := CheckDerivatives(w, p, o.opts.DerivativeCheckTolerance, o.logger); err != nil {
			return nil, errors.Wrap(err, "checking derivatives")
		}
	}

	cd := p.ConstraintDim()
	var conBounds, values, residual *mat.VecDense
	var jac *mat.Dense
	var jtr *mat.VecDense
	if cd > 0 {
		lower := mat.NewVecDense(cd, nil)
		upper := mat.NewVecDense(cd, nil)
		if err := multierr.Combine(
			p.ConstraintLowerBounds(lower),
			p.ConstraintUpperBounds(upper),
		); err != nil {
			return nil, err
		}
		for i := 0; i < cd; i++ {
			if lower.AtVec(i) != upper.AtVec(i) {
				return nil, errors.Errorf(
					"constraint %d has bounds [%f, %f]; inequality constraints need NloptOptimizer",
					i, lower.AtVec(i), upper.AtVec(i))
			}
		}
		conBounds = lower
		values = mat.NewVecDense(cd, nil)
		residual = mat.NewVecDense(cd, nil)
		jac = mat.NewDense(cd, dim, nil)
		jtr = mat.NewVecDense(dim, nil)
	}

	initial := mat.NewVecDense(dim, nil)
	if err := p.InitialGuess(initial); err != nil {
		return nil, err
	}

	sol := newSolution(o.clk)
	var firstErr error
	fail := func(failure error) {
		if firstErr == nil {
			firstErr = failure
			o.logger.Errorw("stopping solve", "error", failure)
		}
	}

	weight := penaltyStartWeight
	gradVec := mat.NewVecDense(dim, nil)
	evalPenalty := func(x, grad []float64) float64 {
		if err := p.Unflatten(mat.NewVecDense(len(x), append([]float64(nil), x...))); err != nil {
			fail(err)
			return math.Inf(1)
		}
		loss := p.Loss(w)
		norm := 0.0
		if cd > 0 {
			if err := p.ComputeConstraints(w, values); err != nil {
				fail(err)
				return math.Inf(1)
			}
			residual.SubVec(values, conBounds)
			norm = mat.Norm(residual, 2)
		}
		if grad == nil {
			sol.record(x, loss, norm)
			return loss + 0.5*weight*norm*norm
		}
		if err := p.BackpropGradient(w, gradVec); err != nil {
			fail(err)
			return math.Inf(1)
		}
		if cd > 0 {
			if err := p.BackpropJacobian(w, jac); err != nil {
				fail(err)
				return math.Inf(1)
			}
			jtr.MulVec(jac.T(), residual)
			gradVec.AddScaledVec(gradVec, weight, jtr)
		}
		for i := range grad {
			grad[i] = gradVec.AtVec(i)
		}
		return loss + 0.5*weight*norm*norm
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return evalPenalty(x, nil)
		},
		Grad: func(grad, x []float64) {
			evalPenalty(x, grad)
		},
	}

	rounds := penaltyRounds
	if cd == 0 {
		rounds = 1
	}
	x := vecSlice(initial)
	var lastResult *optimize.Result
	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		settings := &optimize.Settings{
			MajorIterations:   o.opts.MaxIterations,
			GradientThreshold: o.opts.Tolerance,
		}
		result, err := optimize.Minimize(problem, x, settings, &optimize.LBFGS{})
		if firstErr != nil {
			return nil, firstErr
		}
		if result == nil {
			return nil, errors.Wrap(err, "gonum optimization failed")
		}
		if err != nil {
			o.logger.Warnw("gonum optimization result", "round", round, "status", result.Status.String(), "error", err)
		}
		x = result.X
		lastResult = result
		if cd == 0 {
			break
		}
		if err := p.Unflatten(mat.NewVecDense(len(x), append([]float64(nil), x...))); err != nil {
			return nil, err
		}
		if err := p.ComputeConstraints(w, values); err != nil {
			return nil, err
		}
		residual.SubVec(values, conBounds)
		if mat.Norm(residual, 2) <= o.opts.Tolerance {
			break
		}
		weight *= penaltyGrowth
	}

	if err := p.Unflatten(mat.NewVecDense(len(x), append([]float64(nil), x...))); err != nil {
		return nil, err
	}
	sol.finish(x, p.Loss(w), lastResult.Status.String())
	if o.opts.RecoverBest {
		if _, err := RecoverBest(p, sol, o.opts.Tolerance); err != nil {
			return nil, err
		}
	}
	sol.LogTimingSummary(o.logger)
	return sol, nil
}
