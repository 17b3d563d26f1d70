package trajopt

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// sumSquaredX scores the first position coordinate across the whole horizon,
// touching every shot's window.
func sumSquaredX(rollout RolloutReader) float64 {
	poses := rollout.PosesConst(rollout.RepresentationName())
	sum := 0.0
	for t := 0; t < rollout.Steps(); t++ {
		sum += poses.At(0, t) * poses.At(0, t)
	}
	return sum
}

func sumSquaredXAndGrad(rollout RolloutReader, gradWrtRollout Rollout) float64 {
	rep := rollout.RepresentationName()
	poses := rollout.PosesConst(rep)
	for t := 0; t < rollout.Steps(); t++ {
		gradWrtRollout.Poses(rep).Set(0, t, 2*poses.At(0, t))
	}
	return sumSquaredX(rollout)
}

func TestMultiShotPartition(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)

	even, err := NewMultiShot(w, nil, 8, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, even.NumShots(), test.ShouldEqual, 4)
	test.That(t, even.NumSteps(), test.ShouldEqual, 8)
	test.That(t, even.TunesStartingState(), test.ShouldBeFalse)

	ragged, err := NewMultiShot(w, nil, 7, 3, true, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ragged.NumShots(), test.ShouldEqual, 3)
	test.That(t, ragged.TunesStartingState(), test.ShouldBeTrue)
	// 3 + 3 + 1 steps, later shots always tune their start state
	test.That(t, ragged.FlatProblemDim(), test.ShouldEqual, (4+6)+(4+6)+(4+2))

	_, err = NewMultiShot(w, nil, 0, 2, false, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewMultiShot(w, nil, 8, 0, false, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMultiShotDims(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	shot, err := NewMultiShot(w, nil, 8, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)

	// shot 0 holds only forces, the other three add a 4-dim start state
	test.That(t, shot.FlatProblemDim(), test.ShouldEqual, 4+8+8+8)
	test.That(t, shot.ConstraintDim(), test.ShouldEqual, 4*3)
	test.That(t, shot.NumberNonZeroJacobian(), test.ShouldEqual, (4*4+4)+(8*4+4)+(8*4+4))
}

func TestMultiShotFlattenRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.3))
	shot, err := NewMultiShot(w, nil, 5, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shot.NumShots(), test.ShouldEqual, 3)
	test.That(t, shot.FlatProblemDim(), test.ShouldEqual, 2+4+3)

	flat := mat.NewVecDense(9, nil)
	for i := 0; i < 9; i++ {
		flat.SetVec(i, 0.05*float64(i)-0.2)
	}
	test.That(t, shot.Unflatten(flat), test.ShouldBeNil)
	again := mat.NewVecDense(9, nil)
	test.That(t, shot.Flatten(again), test.ShouldBeNil)
	test.That(t, mat.Equal(flat, again), test.ShouldBeTrue)

	guess := mat.NewVecDense(9, nil)
	test.That(t, shot.InitialGuess(guess), test.ShouldBeNil)
	test.That(t, mat.Equal(flat, guess), test.ShouldBeTrue)

	test.That(t, shot.Flatten(mat.NewVecDense(4, nil)), test.ShouldNotBeNil)
	test.That(t, shot.Unflatten(mat.NewVecDense(4, nil)), test.ShouldNotBeNil)
}

func TestMultiShotFlatDimName(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	shot, err := NewMultiShot(w, nil, 5, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)

	want := []string{
		"Shot 0 Force[0] theta",
		"Shot 0 Force[1] theta",
		"Shot 1 Start Pos theta",
		"Shot 1 Start Vel theta",
		"Shot 1 Force[0] theta",
		"Shot 1 Force[1] theta",
		"Shot 2 Start Pos theta",
		"Shot 2 Start Vel theta",
		"Shot 2 Force[0] theta",
	}
	for i, name := range want {
		test.That(t, shot.FlatDimName(i), test.ShouldEqual, name)
	}
	test.That(t, shot.FlatDimName(-1), test.ShouldEqual, "Error OOB")
	test.That(t, shot.FlatDimName(9), test.ShouldEqual, "Error OOB")
}

func TestMultiShotKnotConstraints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.4))
	w.SetVelocities(vec(-0.1))
	shot, err := NewMultiShot(w, nil, 4, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.3)
	test.That(t, shot.ConstraintDim(), test.ShouldEqual, 2)

	values := mat.NewVecDense(2, nil)
	test.That(t, shot.ComputeConstraints(w, values), test.ShouldBeNil)
	test.That(t, values.AtVec(0) != 0 || values.AtVec(1) != 0, test.ShouldBeTrue)

	// the continuous chain's state at the shot boundary is shot 0's final
	// state, so storing it as shot 1's start closes the knot exactly
	chain := NewRollout(shot, logger)
	test.That(t, shot.States(w, chain, false), test.ShouldBeNil)
	flat := mat.NewVecDense(shot.FlatProblemDim(), nil)
	test.That(t, shot.Flatten(flat), test.ShouldBeNil)
	flat.SetVec(2, chain.Poses(IdentityMappingName).At(0, 1))
	flat.SetVec(3, chain.Vels(IdentityMappingName).At(0, 1))
	test.That(t, shot.Unflatten(flat), test.ShouldBeNil)

	test.That(t, shot.ComputeConstraints(w, values), test.ShouldBeNil)
	test.That(t, values.AtVec(0), test.ShouldEqual, 0.0)
	test.That(t, values.AtVec(1), test.ShouldEqual, 0.0)

	// shifting the downstream start shifts only the matching defect row
	flat.SetVec(2, flat.AtVec(2)+0.25)
	test.That(t, shot.Unflatten(flat), test.ShouldBeNil)
	test.That(t, shot.ComputeConstraints(w, values), test.ShouldBeNil)
	test.That(t, values.AtVec(0), test.ShouldAlmostEqual, -0.25, 1e-14)
	test.That(t, values.AtVec(1), test.ShouldEqual, 0.0)
}

func TestMultiShotBackpropJacobianMatchesFiniteDifference(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.1, 0.3))
	w.SetVelocities(vec(0.5, -0.2))
	shot, err := NewMultiShot(w, nil, 6, 2, true, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.4)

	tracking := NewLossFnWithGradient(sumSquaredX, sumSquaredXAndGrad)
	tracking.SetLowerBound(-1)
	tracking.SetUpperBound(5)
	shot.AddConstraint(tracking)

	cd := shot.ConstraintDim()
	fd := shot.FlatProblemDim()
	test.That(t, cd, test.ShouldEqual, 1+4*2)
	test.That(t, fd, test.ShouldEqual, 24)

	upper := mat.NewVecDense(cd, nil)
	lower := mat.NewVecDense(cd, nil)
	test.That(t, shot.ConstraintUpperBounds(upper), test.ShouldBeNil)
	test.That(t, shot.ConstraintLowerBounds(lower), test.ShouldBeNil)
	test.That(t, upper.AtVec(0), test.ShouldEqual, 5.0)
	test.That(t, lower.AtVec(0), test.ShouldEqual, -1.0)
	for i := 1; i < cd; i++ {
		test.That(t, upper.AtVec(i), test.ShouldEqual, 0.0)
		test.That(t, lower.AtVec(i), test.ShouldEqual, 0.0)
	}

	jac := mat.NewDense(cd, fd, nil)
	test.That(t, shot.BackpropJacobian(w, jac), test.ShouldBeNil)

	fdJac := mat.NewDense(cd, fd, nil)
	test.That(t, FiniteDifferenceConstraintJacobian(shot, w, fdJac, fdEps), test.ShouldBeNil)
	test.That(t, maxAbsDiff(jac, fdJac), test.ShouldBeLessThan, 1e-8)

	ridJac := mat.NewDense(cd, fd, nil)
	test.That(t, RiddersConstraintJacobian(shot, w, ridJac), test.ShouldBeNil)
	test.That(t, maxAbsDiff(jac, ridJac), test.ShouldBeLessThan, 1e-9)
}

func TestMultiShotSparseMatchesDense(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.1, 0.3))
	shot, err := NewMultiShot(w, nil, 6, 2, true, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.4)
	shot.AddConstraint(NewLossFnWithGradient(sumSquaredX, sumSquaredXAndGrad))

	cd := shot.ConstraintDim()
	fd := shot.FlatProblemDim()
	nnz := shot.NumberNonZeroJacobian()
	test.That(t, nnz, test.ShouldEqual, 1*24+(8*4+4)+(8*4+4))

	rows := make([]int, nnz)
	cols := make([]int, nnz)
	test.That(t, shot.JacobianSparsityStructure(rows, cols), test.ShouldBeNil)
	seen := map[[2]int]bool{}
	for k := 0; k < nnz; k++ {
		coord := [2]int{rows[k], cols[k]}
		test.That(t, seen[coord], test.ShouldBeFalse)
		seen[coord] = true
	}

	values := mat.NewVecDense(nnz, nil)
	test.That(t, shot.SparseJacobian(w, values), test.ShouldBeNil)

	dense := mat.NewDense(cd, fd, nil)
	test.That(t, shot.BackpropJacobian(w, dense), test.ShouldBeNil)

	scattered := mat.NewDense(cd, fd, nil)
	for k := 0; k < nnz; k++ {
		scattered.Set(rows[k], cols[k], values.AtVec(k))
	}
	test.That(t, mat.Equal(dense, scattered), test.ShouldBeTrue)

	test.That(t, shot.JacobianSparsityStructure(make([]int, 2), make([]int, 2)), test.ShouldNotBeNil)
	test.That(t, shot.SparseJacobian(w, mat.NewVecDense(2, nil)), test.ShouldNotBeNil)
}

func TestMultiShotParallelMatchesSerial(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.1, 0.3))
	w.SetVelocities(vec(0.5, -0.2))
	loss := NewLossFnWithGradient(trajectoryCost, trajectoryCostAndGrad)
	shot, err := NewMultiShot(w, loss, 12, 3, true, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.4)
	shot.AddConstraint(NewLossFnWithGradient(sumSquaredX, sumSquaredXAndGrad))

	cd := shot.ConstraintDim()
	fd := shot.FlatProblemDim()
	nnz := shot.NumberNonZeroJacobian()

	constraints := mat.NewVecDense(cd, nil)
	jac := mat.NewDense(cd, fd, nil)
	sparse := mat.NewVecDense(nnz, nil)
	grad := mat.NewVecDense(fd, nil)
	rollout := NewRollout(shot, logger)
	test.That(t, shot.ComputeConstraints(w, constraints), test.ShouldBeNil)
	test.That(t, shot.BackpropJacobian(w, jac), test.ShouldBeNil)
	test.That(t, shot.SparseJacobian(w, sparse), test.ShouldBeNil)
	test.That(t, shot.BackpropGradient(w, grad), test.ShouldBeNil)
	test.That(t, shot.States(w, rollout, true), test.ShouldBeNil)
	serialLoss := shot.Loss(w)

	shot.SetParallelOperationsEnabled(true)
	constraintsP := mat.NewVecDense(cd, nil)
	jacP := mat.NewDense(cd, fd, nil)
	sparseP := mat.NewVecDense(nnz, nil)
	gradP := mat.NewVecDense(fd, nil)
	rolloutP := NewRollout(shot, logger)
	test.That(t, shot.ComputeConstraints(w, constraintsP), test.ShouldBeNil)
	test.That(t, shot.BackpropJacobian(w, jacP), test.ShouldBeNil)
	test.That(t, shot.SparseJacobian(w, sparseP), test.ShouldBeNil)
	test.That(t, shot.BackpropGradient(w, gradP), test.ShouldBeNil)
	test.That(t, shot.States(w, rolloutP, true), test.ShouldBeNil)

	test.That(t, mat.Equal(constraints, constraintsP), test.ShouldBeTrue)
	test.That(t, mat.Equal(jac, jacP), test.ShouldBeTrue)
	test.That(t, mat.Equal(sparse, sparseP), test.ShouldBeTrue)
	test.That(t, mat.Equal(grad, gradP), test.ShouldBeTrue)
	test.That(t, mat.Equal(rollout.Poses(IdentityMappingName), rolloutP.Poses(IdentityMappingName)), test.ShouldBeTrue)
	test.That(t, mat.Equal(rollout.Vels(IdentityMappingName), rolloutP.Vels(IdentityMappingName)), test.ShouldBeTrue)
	test.That(t, mat.Equal(rollout.Forces(IdentityMappingName), rolloutP.Forces(IdentityMappingName)), test.ShouldBeTrue)
	test.That(t, shot.Loss(w), test.ShouldEqual, serialLoss)
}

func TestMultiShotStatesContinuousChain(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.4))
	w.SetVelocities(vec(-0.1))
	shot, err := NewMultiShot(w, nil, 5, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.3)

	chain := NewRollout(shot, logger)
	test.That(t, shot.States(w, chain, false), test.ShouldBeNil)
	test.That(t, mat.Equal(chain.MassesConst(), w.MassParams()), test.ShouldBeTrue)

	// the chain applies every shot's stored forces to one continuous rollout
	// seeded from the first shot's start state
	knotted := NewRollout(shot, logger)
	test.That(t, shot.States(w, knotted, true), test.ShouldBeNil)
	test.That(t, mat.Equal(chain.Forces(IdentityMappingName), knotted.Forces(IdentityMappingName)), test.ShouldBeTrue)

	manual := w.Clone()
	manual.SetPositions(vec(0.4))
	manual.SetVelocities(vec(-0.1))
	for step := 0; step < 5; step++ {
		manual.SetControlForces(vec(chain.Forces(IdentityMappingName).At(0, step)))
		manual.Step()
		test.That(t, chain.Poses(IdentityMappingName).At(0, step), test.ShouldEqual, manual.Positions().AtVec(0))
		test.That(t, chain.Vels(IdentityMappingName).At(0, step), test.ShouldEqual, manual.Velocities().AtVec(0))
	}
}

func TestMultiShotBackpropGradientMatchesFiniteDifference(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.1, 0.3))
	w.SetVelocities(vec(0.5, -0.2))
	loss := NewLossFnWithGradient(trajectoryCost, trajectoryCostAndGrad)
	shot, err := NewMultiShot(w, loss, 6, 3, true, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.4)

	dim := shot.FlatProblemDim()
	grad := mat.NewVecDense(dim, nil)
	test.That(t, shot.BackpropGradient(w, grad), test.ShouldBeNil)

	fdGrad := mat.NewVecDense(dim, nil)
	test.That(t, FiniteDifferenceGradient(shot, w, fdGrad, fdEps), test.ShouldBeNil)
	test.That(t, maxAbsDiff(grad, fdGrad), test.ShouldBeLessThan, 2e-8)

	ridGrad := mat.NewVecDense(dim, nil)
	test.That(t, RiddersGradient(shot, w, ridGrad), test.ShouldBeNil)
	test.That(t, maxAbsDiff(grad, ridGrad), test.ShouldBeLessThan, 1e-9)
}

func TestMultiShotPinForce(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.2))
	shot, err := NewMultiShot(w, nil, 5, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shot.FlatProblemDim(), test.ShouldEqual, 9)

	// horizon timestep 3 lands in shot 1, local step 1
	test.That(t, shot.PinForce(3, vec(0.9)), test.ShouldBeNil)
	test.That(t, shot.FlatProblemDim(), test.ShouldEqual, 8)
	test.That(t, shot.PinForce(-1, vec(0.9)), test.ShouldNotBeNil)
	test.That(t, shot.PinForce(5, vec(0.9)), test.ShouldNotBeNil)

	want := []string{
		"Shot 0 Force[0] theta",
		"Shot 0 Force[1] theta",
		"Shot 1 Start Pos theta",
		"Shot 1 Start Vel theta",
		"Shot 1 Force[0] theta",
		"Shot 2 Start Pos theta",
		"Shot 2 Start Vel theta",
		"Shot 2 Force[0] theta",
	}
	for i, name := range want {
		test.That(t, shot.FlatDimName(i), test.ShouldEqual, name)
	}

	rollout := NewRollout(shot, logger)
	test.That(t, shot.States(w, rollout, true), test.ShouldBeNil)
	test.That(t, rollout.Forces(IdentityMappingName).At(0, 3), test.ShouldEqual, 0.9)
}

func TestMultiShotBounds(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetForceLimits(vec(-2), vec(3))
	shot, err := NewMultiShot(w, nil, 3, 2, false, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shot.FlatProblemDim(), test.ShouldEqual, 5)

	upper := mat.NewVecDense(5, nil)
	lower := mat.NewVecDense(5, nil)
	test.That(t, shot.UpperBounds(w, upper), test.ShouldBeNil)
	test.That(t, shot.LowerBounds(w, lower), test.ShouldBeNil)

	// shot 0 forces, then shot 1's start state and force
	for _, i := range []int{0, 1, 4} {
		test.That(t, upper.AtVec(i), test.ShouldEqual, 3.0)
		test.That(t, lower.AtVec(i), test.ShouldEqual, -2.0)
	}
	for _, i := range []int{2, 3} {
		test.That(t, upper.AtVec(i), test.ShouldEqual, math.Inf(1))
		test.That(t, lower.AtVec(i), test.ShouldEqual, math.Inf(-1))
	}
}

func TestMultiShotSwitchRepresentation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.6))
	w.SetVelocities(vec(0.1))
	shot, err := NewMultiShot(w, nil, 4, 2, true, logger)
	test.That(t, err, test.ShouldBeNil)
	seedFlat(t, shot, 0.3)

	orig := mat.NewVecDense(shot.FlatProblemDim(), nil)
	test.That(t, shot.Flatten(orig), test.ShouldBeNil)

	scaled, err := NewLinearMapping(mat.NewDense(1, 1, []float64{2}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shot.AddMapping(w, "scaled", scaled), test.ShouldBeNil)
	test.That(t, shot.AddMapping(w, "scaled", scaled), test.ShouldNotBeNil)
	test.That(t, shot.SwitchRepresentationMapping(w, "absent"), test.ShouldNotBeNil)

	test.That(t, shot.SwitchRepresentationMapping(w, "scaled"), test.ShouldBeNil)
	test.That(t, shot.RepresentationName(), test.ShouldEqual, "scaled")
	doubled := mat.NewVecDense(shot.FlatProblemDim(), nil)
	test.That(t, shot.Flatten(doubled), test.ShouldBeNil)
	for i := 0; i < orig.Len(); i++ {
		test.That(t, doubled.AtVec(i), test.ShouldAlmostEqual, 2*orig.AtVec(i), 1e-12)
	}

	test.That(t, shot.SwitchRepresentationMapping(w, IdentityMappingName), test.ShouldBeNil)
	restored := mat.NewVecDense(shot.FlatProblemDim(), nil)
	test.That(t, shot.Flatten(restored), test.ShouldBeNil)
	for i := 0; i < orig.Len(); i++ {
		test.That(t, restored.AtVec(i), test.ShouldAlmostEqual, orig.AtVec(i), 1e-12)
	}
}
