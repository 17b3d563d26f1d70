package trajopt

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func quadraticPoseLoss(rollout RolloutReader) float64 {
	poses := rollout.PosesConst(rollout.RepresentationName())
	sum := 0.0
	rows, cols := poses.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum += poses.At(i, j) * poses.At(i, j)
		}
	}
	return sum
}

func TestLossFnDefaults(t *testing.T) {
	fn := NewLossFn(nil)
	test.That(t, fn.LowerBound(), test.ShouldEqual, math.Inf(-1))
	test.That(t, fn.UpperBound(), test.ShouldEqual, math.Inf(1))

	fn.SetLowerBound(-1)
	fn.SetUpperBound(2)
	test.That(t, fn.LowerBound(), test.ShouldEqual, -1.0)
	test.That(t, fn.UpperBound(), test.ShouldEqual, 2.0)

	logger := golog.NewTestLogger(t)
	r, err := NewCustomRollout(IdentityMappingName,
		map[string]MappingDims{IdentityMappingName: {Pos: 1, Vel: 1, Force: 1}}, 2, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fn.Loss(r), test.ShouldEqual, 0.0)
}

func TestLossFnFiniteDifferenceGradient(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r, err := NewCustomRollout(IdentityMappingName,
		map[string]MappingDims{IdentityMappingName: {Pos: 1, Vel: 1, Force: 1}}, 3, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	for j := 0; j < 3; j++ {
		r.Poses(IdentityMappingName).Set(0, j, 0.5*float64(j+1))
	}

	fn := NewLossFn(quadraticPoseLoss)
	grad, err := NewCustomRollout(IdentityMappingName,
		map[string]MappingDims{IdentityMappingName: {Pos: 1, Vel: 1, Force: 1}}, 3, 0, logger)
	test.That(t, err, test.ShouldBeNil)

	value := fn.GradientAndLoss(r, grad)
	test.That(t, value, test.ShouldAlmostEqual, 0.25+1.0+2.25, 1e-12)
	for j := 0; j < 3; j++ {
		want := 2 * r.Poses(IdentityMappingName).At(0, j)
		test.That(t, grad.Poses(IdentityMappingName).At(0, j), test.ShouldAlmostEqual, want, 1e-6)
		test.That(t, grad.Vels(IdentityMappingName).At(0, j), test.ShouldEqual, 0.0)
		test.That(t, grad.Forces(IdentityMappingName).At(0, j), test.ShouldEqual, 0.0)
	}

	// the input rollout must come through untouched
	test.That(t, r.Poses(IdentityMappingName).At(0, 0), test.ShouldEqual, 0.5)
}

func TestLossFnAnalyticGradient(t *testing.T) {
	logger := golog.NewTestLogger(t)
	r, err := NewCustomRollout(IdentityMappingName,
		map[string]MappingDims{IdentityMappingName: {Pos: 1, Vel: 1, Force: 1}}, 2, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	r.Poses(IdentityMappingName).Set(0, 1, 3.0)

	fn := NewLossFnWithGradient(quadraticPoseLoss,
		func(rollout RolloutReader, gradWrtRollout Rollout) float64 {
			rep := rollout.RepresentationName()
			poses := rollout.PosesConst(rep)
			out := gradWrtRollout.Poses(rep)
			rows, cols := poses.Dims()
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					out.Set(i, j, 2*poses.At(i, j))
				}
			}
			return quadraticPoseLoss(rollout)
		})

	grad, err := NewCustomRollout(IdentityMappingName,
		map[string]MappingDims{IdentityMappingName: {Pos: 1, Vel: 1, Force: 1}}, 2, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	// stale entries must be cleared before the callback runs
	grad.Vels(IdentityMappingName).Set(0, 0, 123)

	value := fn.GradientAndLoss(r, grad)
	test.That(t, value, test.ShouldEqual, 9.0)
	test.That(t, grad.Poses(IdentityMappingName).At(0, 1), test.ShouldEqual, 6.0)
	test.That(t, grad.Vels(IdentityMappingName).At(0, 0), test.ShouldEqual, 0.0)
}
