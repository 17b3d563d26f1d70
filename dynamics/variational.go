package dynamics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// StepImplicit advances one timestep by driving the midpoint discrete
// Euler-Lagrange residual to zero with an impulse-based fixed-point
// iteration. The residual at a candidate next position, with midpoint
// configuration qm and discrete velocity vm = (qNext - q)/dt, is
//
//	fdel = (M(qm) vm - M(q) v) / dt + c(qm, 0) - k(qm, vm) - f
//
// where k_j = vm' dM/dq_j vm / 2 is the kinetic-energy configuration
// gradient. The bias term is evaluated at zero velocity so only the
// conservative part enters; velocity products are captured exactly by the
// mass-matrix gradient term. Each iteration applies the impulse -dt*fdel
// and moves the candidate by dt times the resulting velocity change. On
// return the velocity is the position difference over dt.
func (w *MechanismWorld) StepImplicit(tol float64, maxIter int) TerminalCondition {
	n := w.model.Dofs()
	if n == 0 {
		return TerminalStaticSkeleton
	}
	if tol <= 0 || math.IsNaN(tol) || maxIter < 0 ||
		!vecFinite(w.q) || !vecFinite(w.v) || !vecFinite(w.f) {
		return TerminalInvalid
	}

	dt := w.dt
	qCur := mat.VecDenseCopyOf(w.q)
	mCur := mat.NewDense(n, n, nil)
	w.model.MassMatrix(mCur, qCur, w.massParams)
	p0 := newVec(n)
	p0.MulVec(mCur, w.v)

	// initial guess from the explicit acceleration
	a := w.ComputeForwardDynamics()
	qNext := mat.VecDenseCopyOf(qCur)
	qNext.AddScaledVec(qNext, dt, w.v)
	qNext.AddScaledVec(qNext, dt*dt, a)

	qMid := newVec(n)
	vMid := newVec(n)
	zeroVel := newVec(n)
	mMid := mat.NewDense(n, n, nil)
	dmk := mat.NewDense(n, n, nil)
	grav := newVec(n)
	fdel := newVec(n)
	tmp := newVec(n)

	cond := TerminalMaximumIteration
	for iter := 0; ; iter++ {
		qMid.AddVec(qCur, qNext)
		qMid.ScaleVec(0.5, qMid)
		vMid.SubVec(qNext, qCur)
		vMid.ScaleVec(1/dt, vMid)

		w.model.MassMatrix(mMid, qMid, w.massParams)
		fdel.MulVec(mMid, vMid)
		fdel.SubVec(fdel, p0)
		fdel.ScaleVec(1/dt, fdel)
		w.model.BiasForces(grav, qMid, zeroVel, w.massParams)
		fdel.AddVec(fdel, grav)
		for k := 0; k < n; k++ {
			w.model.MassMatrixPartial(dmk, qMid, w.massParams, k)
			tmp.MulVec(dmk, vMid)
			fdel.SetVec(k, fdel.AtVec(k)-0.5*mat.Dot(vMid, tmp)-w.f.AtVec(k))
		}

		if !vecFinite(fdel) {
			return TerminalInvalid
		}
		if mat.Norm(fdel, 2) <= tol {
			cond = TerminalTolerance
			break
		}
		if iter >= maxIter {
			cond = TerminalMaximumIteration
			break
		}

		tmp.ScaleVec(-dt, fdel)
		var delV mat.VecDense
		if err := delV.SolveVec(mMid, tmp); err != nil {
			if _, ok := err.(mat.Condition); !ok {
				panic(errors.Wrapf(err, "dynamics: midpoint mass matrix solve for %s", w.model.Name()))
			}
		}
		qNext.AddScaledVec(qNext, dt, &delV)
	}

	w.v.SubVec(qNext, qCur)
	w.v.ScaleVec(1/dt, w.v)
	w.q.CopyVec(qNext)
	return cond
}

func vecFinite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
