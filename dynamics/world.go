package dynamics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/finitediff"
	"github.com/trajkit/trajkit/spatial"
)

// riddersStartStep is the initial perturbation handed to the Ridders
// extrapolation of the step sensitivities.
const riddersStartStep = 1e-2

// MechanismWorld advances an analytic Model with a semi-implicit Euler step
//
//	v' = v + dt * M(q)^-1 (f - c(q, v))
//	q' = q + dt * v'
//
// and assembles that step's exact sensitivities from the model's partial
// derivatives. It also offers an implicit variational stepping mode; see
// StepImplicit.
type MechanismWorld struct {
	model      Model
	dt         float64
	q, v, f    *mat.VecDense
	massParams *mat.VecDense

	posLower, posUpper     *mat.VecDense
	velLower, velUpper     *mat.VecDense
	forceLower, forceUpper *mat.VecDense
}

// NewMechanismWorld returns a world over the given model at rest in the zero
// configuration. Panics if dt is not positive.
func NewMechanismWorld(model Model, dt float64) *MechanismWorld {
	if model == nil {
		panic(errors.New("dynamics: nil model"))
	}
	if dt <= 0 || math.IsNaN(dt) {
		panic(errors.Errorf("dynamics: timestep must be positive, got %v", dt))
	}
	n := model.Dofs()
	return &MechanismWorld{
		model:      model,
		dt:         dt,
		q:          newVec(n),
		v:          newVec(n),
		f:          newVec(n),
		massParams: mat.VecDenseCopyOf(model.DefaultMassParams()),
		posLower:   infVec(n, -1),
		posUpper:   infVec(n, 1),
		velLower:   infVec(n, -1),
		velUpper:   infVec(n, 1),
		forceLower: infVec(n, -1),
		forceUpper: infVec(n, 1),
	}
}

func newVec(n int) *mat.VecDense {
	if n == 0 {
		return &mat.VecDense{}
	}
	return mat.NewVecDense(n, nil)
}

func infVec(n int, sign float64) *mat.VecDense {
	v := newVec(n)
	for i := 0; i < n; i++ {
		v.SetVec(i, math.Inf(sign))
	}
	return v
}

// ModelName identifies the simulated mechanism.
func (w *MechanismWorld) ModelName() string { return w.model.Name() }

// NumDofs returns the mechanism's degree-of-freedom count.
func (w *MechanismWorld) NumDofs() int { return w.model.Dofs() }

// DofNames returns the mechanism's joint coordinate names.
func (w *MechanismWorld) DofNames() []string { return w.model.DofNames() }

// BodyNames returns the mechanism's body names.
func (w *MechanismWorld) BodyNames() []string { return w.model.BodyNames() }

// BodyPose reports the named body's world pose at the current positions.
func (w *MechanismWorld) BodyPose(name string) (spatial.Pose, error) {
	for i, b := range w.model.BodyNames() {
		if b == name {
			return w.model.BodyPose(w.q, i), nil
		}
	}
	return spatial.NewZeroPose(), NewUnknownBodyError(name, w.model.BodyNames())
}

// TimeStep returns the step duration in seconds.
func (w *MechanismWorld) TimeStep() float64 { return w.dt }

// SetTimeStep changes the step duration.
func (w *MechanismWorld) SetTimeStep(dt float64) error {
	if dt <= 0 || math.IsNaN(dt) {
		return errors.Errorf("timestep must be positive, got %v", dt)
	}
	w.dt = dt
	return nil
}

// Positions returns a copy of the generalized positions.
func (w *MechanismWorld) Positions() *mat.VecDense { return mat.VecDenseCopyOf(w.q) }

// SetPositions overwrites the generalized positions.
func (w *MechanismWorld) SetPositions(q *mat.VecDense) { w.setChecked(w.q, q, "positions") }

// Velocities returns a copy of the generalized velocities.
func (w *MechanismWorld) Velocities() *mat.VecDense { return mat.VecDenseCopyOf(w.v) }

// SetVelocities overwrites the generalized velocities.
func (w *MechanismWorld) SetVelocities(v *mat.VecDense) { w.setChecked(w.v, v, "velocities") }

// ControlForces returns a copy of the applied generalized forces.
func (w *MechanismWorld) ControlForces() *mat.VecDense { return mat.VecDenseCopyOf(w.f) }

// SetControlForces overwrites the applied generalized forces.
func (w *MechanismWorld) SetControlForces(f *mat.VecDense) { w.setChecked(w.f, f, "control forces") }

func (w *MechanismWorld) setChecked(dst, src *mat.VecDense, what string) {
	if src.Len() != dst.Len() {
		panic(errors.Errorf("dynamics: %s length %d does not match %d dofs", what, src.Len(), dst.Len()))
	}
	dst.CopyVec(src)
}

// PositionDifferences returns a minus b elementwise.
func (w *MechanismWorld) PositionDifferences(a, b *mat.VecDense) *mat.VecDense {
	d := newVec(a.Len())
	if a.Len() > 0 {
		d.SubVec(a, b)
	}
	return d
}

// PositionLowerLimits returns a copy of the lower position bounds.
func (w *MechanismWorld) PositionLowerLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.posLower) }

// PositionUpperLimits returns a copy of the upper position bounds.
func (w *MechanismWorld) PositionUpperLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.posUpper) }

// VelocityLowerLimits returns a copy of the lower velocity bounds.
func (w *MechanismWorld) VelocityLowerLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.velLower) }

// VelocityUpperLimits returns a copy of the upper velocity bounds.
func (w *MechanismWorld) VelocityUpperLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.velUpper) }

// ForceLowerLimits returns a copy of the lower force bounds.
func (w *MechanismWorld) ForceLowerLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.forceLower) }

// ForceUpperLimits returns a copy of the upper force bounds.
func (w *MechanismWorld) ForceUpperLimits() *mat.VecDense { return mat.VecDenseCopyOf(w.forceUpper) }

// SetPositionLimits overwrites both position bounds.
func (w *MechanismWorld) SetPositionLimits(lower, upper *mat.VecDense) {
	w.setChecked(w.posLower, lower, "position lower limits")
	w.setChecked(w.posUpper, upper, "position upper limits")
}

// SetVelocityLimits overwrites both velocity bounds.
func (w *MechanismWorld) SetVelocityLimits(lower, upper *mat.VecDense) {
	w.setChecked(w.velLower, lower, "velocity lower limits")
	w.setChecked(w.velUpper, upper, "velocity upper limits")
}

// SetForceLimits overwrites both force bounds.
func (w *MechanismWorld) SetForceLimits(lower, upper *mat.VecDense) {
	w.setChecked(w.forceLower, lower, "force lower limits")
	w.setChecked(w.forceUpper, upper, "force upper limits")
}

// MassDims is the length of the inertial parameter vector.
func (w *MechanismWorld) MassDims() int { return w.model.MassDims() }

// MassParams returns a copy of the inertial parameters.
func (w *MechanismWorld) MassParams() *mat.VecDense { return mat.VecDenseCopyOf(w.massParams) }

// SetMassParams overwrites the inertial parameters.
func (w *MechanismWorld) SetMassParams(p *mat.VecDense) {
	w.setChecked(w.massParams, p, "mass parameters")
}

// ComputeForwardDynamics returns the generalized acceleration
// M(q)^-1 (f - c(q, v)) at the current state.
func (w *MechanismWorld) ComputeForwardDynamics() *mat.VecDense {
	n := w.model.Dofs()
	rhs := newVec(n)
	w.model.BiasForces(rhs, w.q, w.v, w.massParams)
	rhs.SubVec(w.f, rhs)
	return w.solveMass(w.q, rhs)
}

// ComputeImpulseVelocityChange returns M(q)^-1 impulse at the current
// positions.
func (w *MechanismWorld) ComputeImpulseVelocityChange(impulse *mat.VecDense) *mat.VecDense {
	return w.solveMass(w.q, impulse)
}

func (w *MechanismWorld) solveMass(q, rhs *mat.VecDense) *mat.VecDense {
	n := w.model.Dofs()
	m := mat.NewDense(n, n, nil)
	w.model.MassMatrix(m, q, w.massParams)
	var x mat.VecDense
	if err := x.SolveVec(m, rhs); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			panic(errors.Wrapf(err, "dynamics: mass matrix solve for %s", w.model.Name()))
		}
	}
	return &x
}

// Step advances one explicit semi-implicit Euler timestep.
func (w *MechanismWorld) Step() {
	if w.model.Dofs() == 0 {
		return
	}
	a := w.ComputeForwardDynamics()
	w.v.AddScaledVec(w.v, w.dt, a)
	w.q.AddScaledVec(w.q, w.dt, w.v)
}

// StepJacobians assembles the exact sensitivities of the step about to be
// taken. With A = da/dq and B = da/dv, where a is the current acceleration,
// the semi-implicit update gives
//
//	VelVel = I + dt B        VelPos = dt (I + dt B)
//	PosVel = dt A            PosPos = I + dt^2 A
//	ForceVel = dt M^-1       ForcePos = dt^2 M^-1
func (w *MechanismWorld) StepJacobians() *TimestepJacobians {
	n := w.model.Dofs()
	m := mat.NewDense(n, n, nil)
	w.model.MassMatrix(m, w.q, w.massParams)
	var mInv mat.Dense
	if err := mInv.Inverse(m); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			panic(errors.Wrapf(err, "dynamics: mass matrix inverse for %s", w.model.Name()))
		}
	}

	a := w.ComputeForwardDynamics()
	dcdq := mat.NewDense(n, n, nil)
	w.model.BiasPosPartial(dcdq, w.q, w.v, w.massParams)
	dcdv := mat.NewDense(n, n, nil)
	w.model.BiasVelPartial(dcdv, w.q, w.v, w.massParams)

	// A columns: da/dq_k = M^-1 (-dM/dq_k a - dc/dq_k)
	accPos := mat.NewDense(n, n, nil)
	dmk := mat.NewDense(n, n, nil)
	rhs := newVec(n)
	var col mat.VecDense
	for k := 0; k < n; k++ {
		w.model.MassMatrixPartial(dmk, w.q, w.massParams, k)
		rhs.MulVec(dmk, a)
		for i := 0; i < n; i++ {
			rhs.SetVec(i, -rhs.AtVec(i)-dcdq.At(i, k))
		}
		col.MulVec(&mInv, rhs)
		for i := 0; i < n; i++ {
			accPos.Set(i, k, col.AtVec(i))
		}
	}
	// B = -M^-1 dc/dv
	var accVel mat.Dense
	accVel.Mul(&mInv, dcdv)
	accVel.Scale(-1, &accVel)

	dt := w.dt
	j := NewTimestepJacobians(n)
	j.ForceVel.Scale(dt, &mInv)
	j.ForcePos.Scale(dt*dt, &mInv)
	j.PosVel.Scale(dt, accPos)
	j.PosPos.Scale(dt*dt, accPos)
	j.VelVel.Scale(dt, &accVel)
	j.VelPos.Scale(dt*dt, &accVel)
	for i := 0; i < n; i++ {
		j.PosPos.Set(i, i, j.PosPos.At(i, i)+1)
		j.VelVel.Set(i, i, j.VelVel.At(i, i)+1)
		j.VelPos.Set(i, i, j.VelPos.At(i, i)+dt)
	}
	return j
}

// stepResponse packages the step as a vector function [q v f] -> [q' v'],
// evaluated on a scratch clone so the receiver is never disturbed.
func (w *MechanismWorld) stepResponse() (func(out, x []float64), []float64) {
	n := w.model.Dofs()
	x0 := make([]float64, 3*n)
	for i := 0; i < n; i++ {
		x0[i] = w.q.AtVec(i)
		x0[n+i] = w.v.AtVec(i)
		x0[2*n+i] = w.f.AtVec(i)
	}
	scratch := w.clone()
	fn := func(out, x []float64) {
		for i := 0; i < n; i++ {
			scratch.q.SetVec(i, x[i])
			scratch.v.SetVec(i, x[n+i])
			scratch.f.SetVec(i, x[2*n+i])
		}
		scratch.Step()
		for i := 0; i < n; i++ {
			out[i] = scratch.q.AtVec(i)
			out[n+i] = scratch.v.AtVec(i)
		}
	}
	return fn, x0
}

// FiniteDifferenceStepJacobians computes the step sensitivities by central
// differences at the given step size.
func (w *MechanismWorld) FiniteDifferenceStepJacobians(eps float64) *TimestepJacobians {
	n := w.model.Dofs()
	fn, x0 := w.stepResponse()
	full := mat.NewDense(2*n, 3*n, nil)
	finitediff.Jacobian(full, fn, x0, eps)
	return splitStepJacobians(full, n)
}

// RiddersStepJacobians computes the step sensitivities by Ridders
// extrapolation.
func (w *MechanismWorld) RiddersStepJacobians() *TimestepJacobians {
	n := w.model.Dofs()
	fn, x0 := w.stepResponse()
	full := mat.NewDense(2*n, 3*n, nil)
	finitediff.RiddersJacobian(full, fn, x0, riddersStartStep)
	return splitStepJacobians(full, n)
}

func splitStepJacobians(full *mat.Dense, n int) *TimestepJacobians {
	j := NewTimestepJacobians(n)
	j.PosPos.Copy(full.Slice(0, n, 0, n))
	j.VelPos.Copy(full.Slice(0, n, n, 2*n))
	j.ForcePos.Copy(full.Slice(0, n, 2*n, 3*n))
	j.PosVel.Copy(full.Slice(n, 2*n, 0, n))
	j.VelVel.Copy(full.Slice(n, 2*n, n, 2*n))
	j.ForceVel.Copy(full.Slice(n, 2*n, 2*n, 3*n))
	return j
}

// Clone returns an independent world with identical state, limits, and mass
// parameters.
func (w *MechanismWorld) Clone() World { return w.clone() }

func (w *MechanismWorld) clone() *MechanismWorld {
	return &MechanismWorld{
		model:      w.model,
		dt:         w.dt,
		q:          mat.VecDenseCopyOf(w.q),
		v:          mat.VecDenseCopyOf(w.v),
		f:          mat.VecDenseCopyOf(w.f),
		massParams: mat.VecDenseCopyOf(w.massParams),
		posLower:   mat.VecDenseCopyOf(w.posLower),
		posUpper:   mat.VecDenseCopyOf(w.posUpper),
		velLower:   mat.VecDenseCopyOf(w.velLower),
		velUpper:   mat.VecDenseCopyOf(w.velUpper),
		forceLower: mat.VecDenseCopyOf(w.forceLower),
		forceUpper: mat.VecDenseCopyOf(w.forceUpper),
	}
}
