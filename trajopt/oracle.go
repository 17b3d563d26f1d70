package trajopt

import (
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/finitediff"
)

// The functions here recompute a problem's derivatives numerically over its
// flat vector, for validating the analytic backprop paths and for use where
// no analytic path exists. Each one perturbs the problem's stored decision
// variables and restores them before returning.

// FiniteDifferenceGradient writes d(loss)/d(flat) by central differences.
func FiniteDifferenceGradient(p Problem, w dynamics.World, grad *mat.VecDense, eps float64) (err error) {
	if grad.Len() != p.FlatProblemDim() {
		return NewDimensionMismatchError("flat vector", p.FlatProblemDim(), grad.Len())
	}
	flat, restore, err := flattenForPerturbation(p)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, restore())
	}()
	f, errp := lossEval(p, w)
	finitediff.Gradient(vecData(grad), f, vecData(flat), eps)
	return *errp
}

// RiddersGradient writes d(loss)/d(flat) by Ridders extrapolated
// differences.
func RiddersGradient(p Problem, w dynamics.World, grad *mat.VecDense) (err error) {
	if grad.Len() != p.FlatProblemDim() {
		return NewDimensionMismatchError("flat vector", p.FlatProblemDim(), grad.Len())
	}
	flat, restore, err := flattenForPerturbation(p)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, restore())
	}()
	f, errp := lossEval(p, w)
	fn := func(out, x []float64) {
		out[0] = f(x)
	}
	if grad.Len() > 0 {
		jac := mat.NewDense(1, grad.Len(), nil)
		finitediff.RiddersJacobian(jac, fn, vecData(flat), riddersShotStep)
		for i := 0; i < grad.Len(); i++ {
			grad.SetVec(i, jac.At(0, i))
		}
	}
	return *errp
}

// FiniteDifferenceConstraintJacobian writes d(constraints)/d(flat) by
// central differences.
func FiniteDifferenceConstraintJacobian(p Problem, w dynamics.World, jac *mat.Dense, eps float64) (err error) {
	if err := checkJacDims(jac, p.ConstraintDim(), p.FlatProblemDim()); err != nil {
		return err
	}
	if p.ConstraintDim() == 0 {
		return nil
	}
	flat, restore, err := flattenForPerturbation(p)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, restore())
	}()
	fn, errp := constraintEval(p, w)
	finitediff.Jacobian(jac, fn, vecData(flat), eps)
	return *errp
}

// RiddersConstraintJacobian writes d(constraints)/d(flat) by Ridders
// extrapolated differences.
func RiddersConstraintJacobian(p Problem, w dynamics.World, jac *mat.Dense) (err error) {
	if err := checkJacDims(jac, p.ConstraintDim(), p.FlatProblemDim()); err != nil {
		return err
	}
	if p.ConstraintDim() == 0 {
		return nil
	}
	flat, restore, err := flattenForPerturbation(p)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, restore())
	}()
	fn, errp := constraintEval(p, w)
	finitediff.RiddersJacobian(jac, fn, vecData(flat), riddersShotStep)
	return *errp
}

// flattenForPerturbation captures the stored decision variables and returns
// them with a restore closure.
func flattenForPerturbation(p Problem) (*mat.VecDense, func() error, error) {
	flat := mat.NewVecDense(p.FlatProblemDim(), nil)
	if err := p.Flatten(flat); err != nil {
		return nil, nil, err
	}
	return flat, func() error { return p.Unflatten(flat) }, nil
}

func lossEval(p Problem, w dynamics.World) (func(x []float64) float64, *error) {
	var firstErr error
	f := func(x []float64) float64 {
		if err := p.Unflatten(mat.NewVecDense(len(x), x)); err != nil && firstErr == nil {
			firstErr = err
		}
		return p.Loss(w)
	}
	return f, &firstErr
}

func constraintEval(p Problem, w dynamics.World) (func(out, x []float64), *error) {
	var firstErr error
	out := mat.NewVecDense(p.ConstraintDim(), nil)
	fn := func(dst, x []float64) {
		if err := p.Unflatten(mat.NewVecDense(len(x), x)); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.ComputeConstraints(w, out); err != nil && firstErr == nil {
			firstErr = err
		}
		copy(dst, vecData(out))
	}
	return fn, &firstErr
}
