package trajopt

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

func vec(vals ...float64) *mat.VecDense {
	return mat.NewVecDense(len(vals), vals)
}

func TestIdentityMapping(t *testing.T) {
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.1, 0.3))
	w.SetVelocities(vec(0.5, -0.2))
	w.SetControlForces(vec(1.0, 0.0))

	m := NewIdentityMapping()
	test.That(t, m.PosDim(w), test.ShouldEqual, 2)
	test.That(t, m.VelDim(w), test.ShouldEqual, 2)
	test.That(t, m.ForceDim(w), test.ShouldEqual, 2)
	test.That(t, mat.Equal(m.Positions(w), w.Positions()), test.ShouldBeTrue)
	test.That(t, mat.Equal(m.Velocities(w), w.Velocities()), test.ShouldBeTrue)
	test.That(t, mat.Equal(m.Forces(w), w.ControlForces()), test.ShouldBeTrue)

	m.SetPositions(w, vec(0.7, -0.4))
	test.That(t, mat.Equal(w.Positions(), vec(0.7, -0.4)), test.ShouldBeTrue)

	jac := m.RealPosToMappedPos(w)
	test.That(t, jac.At(0, 0), test.ShouldEqual, 1.0)
	test.That(t, jac.At(1, 1), test.ShouldEqual, 1.0)
	test.That(t, jac.At(0, 1), test.ShouldEqual, 0.0)

	test.That(t, MappingLosslessInto(w, m, 0), test.ShouldBeTrue)
	test.That(t, MappingLosslessOut(w, m, 0), test.ShouldBeTrue)
}

func TestLinearMappingSquare(t *testing.T) {
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(0.2, -0.5))
	w.SetVelocities(vec(1.0, 0.25))
	w.SetControlForces(vec(2.0, -1.0))

	s := mat.NewDense(2, 2, []float64{2, 0, 0, 0.5})
	m, err := NewLinearMapping(s)
	test.That(t, err, test.ShouldBeNil)

	q := m.Positions(w)
	test.That(t, q.AtVec(0), test.ShouldAlmostEqual, 0.4, 1e-12)
	test.That(t, q.AtVec(1), test.ShouldAlmostEqual, -0.25, 1e-12)

	m.SetPositions(w, vec(1.0, 1.0))
	test.That(t, w.Positions().AtVec(0), test.ShouldAlmostEqual, 0.5, 1e-8)
	test.That(t, w.Positions().AtVec(1), test.ShouldAlmostEqual, 2.0, 1e-8)

	test.That(t, MappingLosslessInto(w, m, 1e-8), test.ShouldBeTrue)
	test.That(t, MappingLosslessOut(w, m, 1e-8), test.ShouldBeTrue)
}

func TestLinearMappingWideIsLossyOut(t *testing.T) {
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(vec(1.0, 1.0))
	w.SetVelocities(vec(1.0, -1.0))
	w.SetControlForces(vec(0.5, 0.5))

	s := mat.NewDense(1, 2, []float64{1, 0})
	m, err := NewLinearMapping(s)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.PosDim(w), test.ShouldEqual, 1)

	test.That(t, MappingLosslessInto(w, m, 1e-8), test.ShouldBeTrue)
	test.That(t, MappingLosslessOut(w, m, 1e-8), test.ShouldBeFalse)
}

func TestLinearMappingTallIsLossyInto(t *testing.T) {
	w := dynamics.NewPendulum(1.5, 0.8, 1e-3)
	w.SetPositions(vec(0.3))
	w.SetVelocities(vec(0.1))
	w.SetControlForces(vec(0.2))

	// Maps the single dof into two mapped dims; arbitrary mapped values are
	// not reachable, so writing them in loses information.
	s := mat.NewDense(2, 1, []float64{1, 1})
	m, err := NewLinearMapping(s)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, MappingLosslessOut(w, m, 1e-8), test.ShouldBeTrue)

	snap := dynamics.TakeSnapshot(w)
	m.SetPositions(w, vec(1.0, 3.0))
	// pinv averages the unreachable target onto the dof
	test.That(t, w.Positions().AtVec(0), test.ShouldAlmostEqual, 2.0, 1e-8)
	got := m.Positions(w)
	test.That(t, got.AtVec(0), test.ShouldAlmostEqual, 2.0, 1e-8)
	test.That(t, got.AtVec(1), test.ShouldAlmostEqual, 2.0, 1e-8)
	snap.RestoreTo(w)
}

func TestLinearMappingIntervalLimits(t *testing.T) {
	w := dynamics.NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositionLimits(vec(-1, -2), vec(3, 4))

	s := mat.NewDense(1, 2, []float64{1, -1})
	m, err := NewLinearMapping(s)
	test.That(t, err, test.ShouldBeNil)

	upper := m.PositionUpperLimits(w)
	lower := m.PositionLowerLimits(w)
	test.That(t, upper.AtVec(0), test.ShouldAlmostEqual, 5.0, 1e-12)
	test.That(t, lower.AtVec(0), test.ShouldAlmostEqual, -5.0, 1e-12)

	// zero coefficients must not poison infinite native bounds
	s2 := mat.NewDense(1, 2, []float64{0, 2})
	m2, err := NewLinearMapping(s2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m2.ForceUpperLimits(w).AtVec(0), test.ShouldEqual, math.Inf(1))
	test.That(t, m2.ForceLowerLimits(w).AtVec(0), test.ShouldEqual, math.Inf(-1))
}

func TestLinearMappingPseudoInverse(t *testing.T) {
	s := mat.NewDense(3, 2, []float64{1, 2, 0, 1, 1, 0})
	m, err := NewLinearMapping(s)
	test.That(t, err, test.ShouldBeNil)

	var prod mat.Dense
	prod.Mul(m.sPinv, s)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, prod.At(i, j), test.ShouldAlmostEqual, want, 1e-10)
		}
	}
}

func TestLinearMappingRejectsBadInput(t *testing.T) {
	_, err := NewLinearMapping(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
