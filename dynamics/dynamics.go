// Package dynamics provides the differentiable simulation worlds the
// shooting layer rolls out and differentiates. A world advances an
// articulated mechanism one timestep at a time and reports exact
// sensitivities of each step's outcome to the state and force it started
// from, alongside finite-difference oracles for validating them.
package dynamics

import (
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/spatial"
)

// World is a simulation that can be stepped, differentiated, and cloned.
// Vector getters return copies; setters copy the argument in. A world is
// exclusively owned by one computation at a time, and computations that
// mutate it temporarily must restore it via a Snapshot on every exit path.
type World interface {
	// ModelName identifies the simulated mechanism.
	ModelName() string
	NumDofs() int
	DofNames() []string
	BodyNames() []string
	// BodyPose reports the named body's world pose at the current positions.
	BodyPose(name string) (spatial.Pose, error)

	TimeStep() float64
	SetTimeStep(dt float64) error

	Positions() *mat.VecDense
	SetPositions(q *mat.VecDense)
	Velocities() *mat.VecDense
	SetVelocities(v *mat.VecDense)
	ControlForces() *mat.VecDense
	SetControlForces(f *mat.VecDense)
	// PositionDifferences returns a minus b in the position space. The
	// mechanisms here are Euclidean, so this is plain subtraction; it is the
	// seam where manifold joint spaces would differ.
	PositionDifferences(a, b *mat.VecDense) *mat.VecDense

	PositionLowerLimits() *mat.VecDense
	PositionUpperLimits() *mat.VecDense
	VelocityLowerLimits() *mat.VecDense
	VelocityUpperLimits() *mat.VecDense
	ForceLowerLimits() *mat.VecDense
	ForceUpperLimits() *mat.VecDense

	// MassDims is the length of the inertial parameter vector carried by
	// rollouts of this world.
	MassDims() int
	MassParams() *mat.VecDense
	SetMassParams(p *mat.VecDense)

	// Step advances one explicit timestep under the current control forces.
	Step()
	// StepJacobians reports the sensitivities of the step about to be taken,
	// evaluated at the current state, leaving the world unchanged.
	StepJacobians() *TimestepJacobians
	// FiniteDifferenceStepJacobians computes the same sensitivities by
	// central differences at the given step size.
	FiniteDifferenceStepJacobians(eps float64) *TimestepJacobians
	// RiddersStepJacobians computes the same sensitivities by Ridders
	// extrapolation.
	RiddersStepJacobians() *TimestepJacobians

	// ComputeForwardDynamics returns the generalized acceleration at the
	// current state and control forces.
	ComputeForwardDynamics() *mat.VecDense
	// ComputeImpulseVelocityChange returns the velocity change produced by
	// applying the given generalized impulse at the current positions.
	ComputeImpulseVelocityChange(impulse *mat.VecDense) *mat.VecDense

	// StepImplicit advances one timestep by solving the midpoint variational
	// equation iteratively, reporting how the solve terminated. The caller
	// decides how to react to non-convergence; the state is still advanced
	// to the last iterate unless the condition is TerminalInvalid.
	StepImplicit(tol float64, maxIter int) TerminalCondition

	// Clone returns an independent world with identical state, limits, and
	// mass parameters.
	Clone() World
}

// Snapshot captures a world's positions, velocities, and control forces so a
// computation that mutates the world temporarily can restore it.
type Snapshot struct {
	pos, vel, force *mat.VecDense
}

// TakeSnapshot captures the world's current state.
func TakeSnapshot(w World) *Snapshot {
	return &Snapshot{pos: w.Positions(), vel: w.Velocities(), force: w.ControlForces()}
}

// RestoreTo writes the captured state back into the world.
func (s *Snapshot) RestoreTo(w World) {
	w.SetPositions(s.pos)
	w.SetVelocities(s.vel)
	w.SetControlForces(s.force)
}
