package dynamics

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/spatial"
)

func TestStepImplicitMatchesExplicitForConstantMass(t *testing.T) {
	// with a configuration-independent mass matrix the midpoint residual is
	// linear, so one impulse correction lands on the explicit result
	w := NewVerticalSlider(2.0, 1e-3)
	w.SetPositions(mat.NewVecDense(1, []float64{0.4}))
	w.SetVelocities(mat.NewVecDense(1, []float64{-0.2}))
	w.SetControlForces(mat.NewVecDense(1, []float64{5.0}))

	explicit := w.Clone()
	explicit.Step()
	cond := w.StepImplicit(1e-8, 50)
	test.That(t, cond, test.ShouldEqual, TerminalTolerance)
	test.That(t, w.Positions().AtVec(0), test.ShouldAlmostEqual, explicit.Positions().AtVec(0), 1e-10)
	test.That(t, w.Velocities().AtVec(0), test.ShouldAlmostEqual, explicit.Velocities().AtVec(0), 1e-10)
}

func TestStepImplicitConverges(t *testing.T) {
	w := NewPendulum(1.0, 1.0, 1e-3)
	w.SetPositions(mat.NewVecDense(1, []float64{0.5}))
	for i := 0; i < 100; i++ {
		cond := w.StepImplicit(1e-8, 100)
		test.That(t, cond, test.ShouldEqual, TerminalTolerance)
		test.That(t, cond.Converged(), test.ShouldBeTrue)
	}
}

func TestStepImplicitVelocityConsistency(t *testing.T) {
	w := NewCartpole(1.0, 0.3, 0.7, 1e-3)
	w.SetPositions(mat.NewVecDense(2, []float64{0.1, 0.4}))
	before := w.Positions()
	cond := w.StepImplicit(1e-8, 100)
	test.That(t, cond.Converged(), test.ShouldBeTrue)

	want := mat.VecDenseCopyOf(w.Positions())
	want.SubVec(want, before)
	want.ScaleVec(1/w.TimeStep(), want)
	test.That(t, mat.Equal(w.Velocities(), want), test.ShouldBeTrue)
}

func TestStepImplicitEnergyBounded(t *testing.T) {
	const (
		mass   = 1.0
		length = 1.0
	)
	w := NewPendulum(mass, length, 0.01)
	w.SetPositions(mat.NewVecDense(1, []float64{0.5}))
	energy := func() float64 {
		q := w.Positions().AtVec(0)
		v := w.Velocities().AtVec(0)
		return 0.5*mass*length*length*v*v - mass*gravityAccel*length*math.Cos(q)
	}
	e0 := energy()
	for i := 0; i < 1000; i++ {
		cond := w.StepImplicit(1e-8, 100)
		test.That(t, cond.Converged(), test.ShouldBeTrue)
		test.That(t, math.Abs(energy()-e0), test.ShouldBeLessThan, 0.01)
	}
}

func TestStepImplicitMaximumIteration(t *testing.T) {
	w := NewPendulum(1.0, 1.0, 0.05)
	w.SetPositions(mat.NewVecDense(1, []float64{2.0}))
	before := w.Positions()
	cond := w.StepImplicit(1e-15, 0)
	test.That(t, cond, test.ShouldEqual, TerminalMaximumIteration)
	test.That(t, cond.Converged(), test.ShouldBeFalse)
	// the state is still advanced to the last iterate
	test.That(t, mat.Equal(w.Positions(), before), test.ShouldBeFalse)
}

func TestStepImplicitInvalid(t *testing.T) {
	w := NewPendulum(1.0, 1.0, 1e-3)
	test.That(t, w.StepImplicit(0, 10), test.ShouldEqual, TerminalInvalid)
	test.That(t, w.StepImplicit(1e-8, -1), test.ShouldEqual, TerminalInvalid)

	w.SetPositions(mat.NewVecDense(1, []float64{math.NaN()}))
	cond := w.StepImplicit(1e-8, 10)
	test.That(t, cond, test.ShouldEqual, TerminalInvalid)
	test.That(t, cond.Converged(), test.ShouldBeFalse)
	test.That(t, math.IsNaN(w.Positions().AtVec(0)), test.ShouldBeTrue)
	test.That(t, w.Velocities().AtVec(0), test.ShouldEqual, 0.0)
}

func TestStepImplicitStaticSkeleton(t *testing.T) {
	w := NewMechanismWorld(staticModel{}, 1e-3)
	cond := w.StepImplicit(1e-8, 10)
	test.That(t, cond, test.ShouldEqual, TerminalStaticSkeleton)
	test.That(t, cond.Converged(), test.ShouldBeTrue)
}

func TestTerminalConditionString(t *testing.T) {
	test.That(t, TerminalTolerance.String(), test.ShouldEqual, "tolerance")
	test.That(t, TerminalMaximumIteration.String(), test.ShouldEqual, "maximum iteration")
	test.That(t, TerminalStaticSkeleton.String(), test.ShouldEqual, "static skeleton")
	test.That(t, TerminalInvalid.String(), test.ShouldEqual, "invalid")
}

type staticModel struct{}

func (staticModel) Name() string        { return "static" }
func (staticModel) Dofs() int           { return 0 }
func (staticModel) DofNames() []string  { return nil }
func (staticModel) BodyNames() []string { return nil }

func (staticModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	return spatial.NewZeroPose()
}

func (staticModel) MassDims() int { return 0 }

func (staticModel) DefaultMassParams() *mat.VecDense { return &mat.VecDense{} }

func (staticModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {}

func (staticModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {}

func (staticModel) BiasForces(dst, q, v, mp *mat.VecDense) {}

func (staticModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {}

func (staticModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {}
