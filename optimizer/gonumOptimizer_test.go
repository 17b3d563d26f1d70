package optimizer

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/trajopt"
)

func TestGonumOptimizerSingleShot(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.0, 1.0, 0.01)
	w.SetPositions(mat.NewVecDense(1, []float64{0.6}))
	w.SetVelocities(mat.NewVecDense(1, []float64{-0.2}))
	p, err := trajopt.NewSingleShot(w, restLoss(), 10, false, logger)
	test.That(t, err, test.ShouldBeNil)
	initialLoss := p.Loss(w)

	opt := NewGonumOptimizer(nil, logger)
	sol, err := opt.Optimize(context.Background(), w, p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sol.Status, test.ShouldNotEqual, "")
	test.That(t, len(sol.Records), test.ShouldBeGreaterThan, 0)
	test.That(t, len(sol.X), test.ShouldEqual, p.FlatProblemDim())
	test.That(t, sol.Loss, test.ShouldBeLessThan, initialLoss)

	// The recovered iterate lives in the problem and scores at least as well
	// as the solver's final point.
	test.That(t, p.Loss(w), test.ShouldBeLessThanOrEqualTo, sol.Loss+1e-12)
}

func TestGonumOptimizerMultiShotKnots(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.0, 1.0, 0.01)
	w.SetPositions(mat.NewVecDense(1, []float64{0.5}))
	p, err := trajopt.NewMultiShot(w, restLoss(), 8, 4, false, logger)
	test.That(t, err, test.ShouldBeNil)

	opts := DefaultOptions()
	opts.MaxIterations = 200
	opts.Tolerance = 1e-8
	opts.Parallel = true
	opt := NewGonumOptimizer(opts, logger)
	sol, err := opt.Optimize(context.Background(), w, p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(sol.Records), test.ShouldBeGreaterThan, 0)

	// Penalty rounds must leave the shot boundaries stitched tight.
	values := mat.NewVecDense(p.ConstraintDim(), nil)
	test.That(t, p.ComputeConstraints(w, values), test.ShouldBeNil)
	test.That(t, mat.Norm(values, 2), test.ShouldBeLessThan, 1e-3)
}

func TestGonumOptimizerRejectsInequality(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.0, 1.0, 0.01)
	p, err := trajopt.NewSingleShot(w, restLoss(), 3, false, logger)
	test.That(t, err, test.ShouldBeNil)

	con := trajopt.NewLossFn(func(rollout trajopt.RolloutReader) float64 {
		rep := rollout.RepresentationName()
		return rollout.PosesConst(rep).At(0, rollout.Steps()-1)
	})
	con.SetLowerBound(-1)
	con.SetUpperBound(5)
	p.AddConstraint(con)

	opt := NewGonumOptimizer(nil, logger)
	_, err = opt.Optimize(context.Background(), w, p)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "NloptOptimizer")
}

func TestGonumOptimizerEmptyProblem(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.0, 1.0, 0.01)
	p, err := trajopt.NewSingleShot(w, restLoss(), 1, false, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.PinForce(0, mat.NewVecDense(1, []float64{0})), test.ShouldBeNil)
	test.That(t, p.FlatProblemDim(), test.ShouldEqual, 0)

	opt := NewGonumOptimizer(nil, logger)
	_, err = opt.Optimize(context.Background(), w, p)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGonumOptimizerCancelledContext(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.0, 1.0, 0.01)
	p, err := trajopt.NewSingleShot(w, restLoss(), 3, false, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opt := NewGonumOptimizer(nil, logger)
	_, err = opt.Optimize(ctx, w, p)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}
