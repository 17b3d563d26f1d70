//go:build !windows && !no_cgo

package optimizer

import (
	"context"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/trajopt"
)

// statusSuccess is the status string recorded when nlopt returns cleanly.
const statusSuccess = "SUCCESS"

// NloptOptimizer solves constrained problems with nlopt's SLSQP. Constraint
// rows whose bounds coincide become equality constraints; finite one-sided
// bounds become inequality constraints, with two-sided rows contributing one
// of each.
type NloptOptimizer struct {
	opts   *Options
	clk    clock.Clock
	logger golog.Logger
}

// NewNloptOptimizer returns an SLSQP adapter. Nil options use the defaults.
func NewNloptOptimizer(opts *Options, logger golog.Logger) *NloptOptimizer {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &NloptOptimizer{opts: opts, clk: clock.New(), logger: logger}
}

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

// constraintEval shares one constraint evaluation between the equality and
// inequality callbacks nlopt invokes at the same candidate point.
type constraintEval struct {
	p      trajopt.Problem
	w      dynamics.World
	x      []float64
	values *mat.VecDense
	jac    *mat.Dense
	jacOK  bool
}

func newConstraintEval(p trajopt.Problem, w dynamics.World) *constraintEval {
	return &constraintEval{
		p:      p,
		w:      w,
		values: mat.NewVecDense(p.ConstraintDim(), nil),
		jac:    mat.NewDense(p.ConstraintDim(), p.FlatProblemDim(), nil),
	}
}

func (c *constraintEval) fresh(x []float64) bool {
	return len(c.x) == len(x) && floats.Equal(c.x, x)
}

func (c *constraintEval) eval(x []float64, needJac bool) (*mat.VecDense, *mat.Dense, error) {
	if !c.fresh(x) {
		if err := c.p.Unflatten(mat.NewVecDense(len(x), append([]float64(nil), x...))); err != nil {
			return nil, nil, err
		}
		if err := c.p.ComputeConstraints(c.w, c.values); err != nil {
			return nil, nil, err
		}
		c.x = append(c.x[:0], x...)
		c.jacOK = false
	}
	if needJac && !c.jacOK {
		if err := c.p.BackpropJacobian(c.w, c.jac); err != nil {
			return nil, nil, err
		}
		c.jacOK = true
	}
	return c.values, c.jac, nil
}

// rowsFunc builds an nlopt vector constraint over the given rows. Each entry
// is sign*(value - bound), so equality rows use sign +1 against their shared
// bound and lower-bounded inequality rows use sign -1 to become <= 0.
func rowsFunc(cache *constraintEval, rows []int, bounds *mat.VecDense, sign float64, dim int, fail func(error)) nlopt.Mfunc {
	return func(result, x, gradient []float64) {
		values, jac, err := cache.eval(x, len(gradient) > 0)
		if err != nil {
			fail(err)
			return
		}
		for k, row := range rows {
			result[k] = sign * (values.AtVec(row) - bounds.AtVec(row))
			if len(gradient) > 0 {
				base := k * dim
				for j := 0; j < dim; j++ {
					gradient[base+j] = sign * jac.At(row, j)
				}
			}
		}
	}
}

func tolSlice(n int, tol float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = tol
	}
	return out
}

// Optimize runs SLSQP from the problem's initial guess, leaving the solved
// decision variables in the problem. Cancelling the context force-stops the
// solver.
func (o *NloptOptimizer) Optimize(ctx context.Context, w dynamics.World, p trajopt.Problem) (*Solution, error) {
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

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(dim))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	lower := mat.NewVecDense(dim, nil)
	upper := mat.NewVecDense(dim, nil)
	initial := mat.NewVecDense(dim, nil)
	if err := multierr.Combine(
		p.LowerBounds(w, lower),
		p.UpperBounds(w, upper),
		p.InitialGuess(initial),
	); err != nil {
		return nil, err
	}

	sol := newSolution(o.clk)
	var firstErr error
	fail := func(failure error) {
		if firstErr == nil {
			firstErr = failure
		}
		o.logger.Errorw("stopping solve", "error", failure)
		if stopErr := opt.ForceStop(); stopErr != nil {
			o.logger.Errorw("forcestop error", "error", stopErr)
		}
	}

	cd := p.ConstraintDim()
	var cache *constraintEval
	var conLower, conUpper *mat.VecDense
	if cd > 0 {
		cache = newConstraintEval(p, w)
		conLower = mat.NewVecDense(cd, nil)
		conUpper = mat.NewVecDense(cd, nil)
		if err := multierr.Combine(
			p.ConstraintLowerBounds(conLower),
			p.ConstraintUpperBounds(conUpper),
		); err != nil {
			return nil, err
		}
	}

	gradVec := mat.NewVecDense(dim, nil)
	objective := func(x, gradient []float64) float64 {
		if err := p.Unflatten(mat.NewVecDense(len(x), append([]float64(nil), x...))); err != nil {
			fail(err)
			return 0
		}
		loss := p.Loss(w)
		if len(gradient) > 0 {
			if err := p.BackpropGradient(w, gradVec); err != nil {
				fail(err)
				return 0
			}
			for i := range gradient {
				gradient[i] = gradVec.AtVec(i)
			}
		}
		norm := 0.0
		if cd > 0 {
			values, _, err := cache.eval(x, false)
			if err != nil {
				fail(err)
				return 0
			}
			norm = constraintViolation(values, conLower, conUpper)
		}
		sol.record(x, loss, norm)
		return loss
	}

	err = multierr.Combine(
		opt.SetFtolRel(o.opts.Tolerance),
		opt.SetFtolAbs(o.opts.Tolerance),
		opt.SetXtolRel(o.opts.Tolerance),
		opt.SetXtolAbs1(o.opts.Tolerance),
		opt.SetLowerBounds(vecSlice(lower)),
		opt.SetUpperBounds(vecSlice(upper)),
		opt.SetMinObjective(objective),
		opt.SetMaxEval(o.opts.MaxIterations),
	)
	if cd > 0 {
		var eqRows, upRows, loRows []int
		for i := 0; i < cd; i++ {
			lb, ub := conLower.AtVec(i), conUpper.AtVec(i)
			if lb == ub {
				eqRows = append(eqRows, i)
				continue
			}
			if !math.IsInf(ub, 1) {
				upRows = append(upRows, i)
			}
			if !math.IsInf(lb, -1) {
				loRows = append(loRows, i)
			}
		}
		if len(eqRows) > 0 {
			err = multierr.Combine(err, opt.AddEqualityMConstraint(
				rowsFunc(cache, eqRows, conLower, 1, dim, fail), tolSlice(len(eqRows), o.opts.Tolerance)))
		}
		if len(upRows) > 0 {
			err = multierr.Combine(err, opt.AddInequalityMConstraint(
				rowsFunc(cache, upRows, conUpper, 1, dim, fail), tolSlice(len(upRows), o.opts.Tolerance)))
		}
		if len(loRows) > 0 {
			err = multierr.Combine(err, opt.AddInequalityMConstraint(
				rowsFunc(cache, loRows, conLower, -1, dim, fail), tolSlice(len(loRows), o.opts.Tolerance)))
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "configuring nlopt")
	}

	var activeSolvers sync.WaitGroup
	solveChan := make(chan *optimizeReturn, 1)
	activeSolvers.Add(1)
	utils.PanicCapturingGo(func() {
		defer activeSolvers.Done()
		solutionRaw, result, nloptErr := opt.Optimize(vecSlice(initial))
		solveChan <- &optimizeReturn{solutionRaw, result, nloptErr}
	})

	var res *optimizeReturn
	select {
	case <-ctx.Done():
		err = multierr.Combine(opt.ForceStop(), ctx.Err())
		activeSolvers.Wait()
		return nil, err
	case res = <-solveChan:
	}
	if firstErr != nil {
		return nil, firstErr
	}

	status := statusSuccess
	if res.err != nil {
		status = res.err.Error()
	}
	final := res.solution
	if final == nil {
		final = vecSlice(initial)
	}
	if err := p.Unflatten(mat.NewVecDense(len(final), append([]float64(nil), final...))); err != nil {
		return nil, err
	}
	sol.finish(final, res.score, status)
	if o.opts.RecoverBest {
		if _, err := RecoverBest(p, sol, o.opts.Tolerance); err != nil {
			return nil, err
		}
	}
	sol.LogTimingSummary(o.logger)
	return sol, nil
}
