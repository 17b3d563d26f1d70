package trajopt

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// IdentityMappingName is the representation every problem starts in. The
// identity mapping is registered automatically and reads and writes native
// world coordinates unchanged.
const IdentityMappingName = "identity"

// Mapping is a differentiable change of coordinates between a world's native
// generalized coordinates and some alternate space. Rollouts record every
// registered mapping's view of the trajectory, and a problem's decision
// variables live in whichever mapping is the active representation.
//
// The six Jacobian accessors are named source-to-target, so
// RealPosToMappedPos is d(mapped pos)/d(native pos) evaluated at the world's
// current state. Implementations must not retain or mutate the world beyond
// the scope of each call.
type Mapping interface {
	PosDim(w dynamics.World) int
	VelDim(w dynamics.World) int
	ForceDim(w dynamics.World) int

	Positions(w dynamics.World) *mat.VecDense
	SetPositions(w dynamics.World, q *mat.VecDense)
	Velocities(w dynamics.World) *mat.VecDense
	SetVelocities(w dynamics.World, v *mat.VecDense)
	Forces(w dynamics.World) *mat.VecDense
	SetForces(w dynamics.World, f *mat.VecDense)

	PositionLowerLimits(w dynamics.World) *mat.VecDense
	PositionUpperLimits(w dynamics.World) *mat.VecDense
	VelocityLowerLimits(w dynamics.World) *mat.VecDense
	VelocityUpperLimits(w dynamics.World) *mat.VecDense
	ForceLowerLimits(w dynamics.World) *mat.VecDense
	ForceUpperLimits(w dynamics.World) *mat.VecDense

	RealPosToMappedPos(w dynamics.World) *mat.Dense
	RealVelToMappedVel(w dynamics.World) *mat.Dense
	RealForceToMappedForce(w dynamics.World) *mat.Dense
	MappedPosToRealPos(w dynamics.World) *mat.Dense
	MappedVelToRealVel(w dynamics.World) *mat.Dense
	MappedForceToRealForce(w dynamics.World) *mat.Dense
}

// MappingDims records the per-channel sizes of a mapping as captured against
// a particular world.
type MappingDims struct {
	Pos   int
	Vel   int
	Force int
}

// State returns the combined position plus velocity dimension.
func (d MappingDims) State() int {
	return d.Pos + d.Vel
}

type identityMapping struct{}

// NewIdentityMapping returns the mapping that passes native world
// coordinates through unchanged.
func NewIdentityMapping() Mapping {
	return identityMapping{}
}

func (identityMapping) PosDim(w dynamics.World) int   { return w.NumDofs() }
func (identityMapping) VelDim(w dynamics.World) int   { return w.NumDofs() }
func (identityMapping) ForceDim(w dynamics.World) int { return w.NumDofs() }

func (identityMapping) Positions(w dynamics.World) *mat.VecDense  { return w.Positions() }
func (identityMapping) Velocities(w dynamics.World) *mat.VecDense { return w.Velocities() }
func (identityMapping) Forces(w dynamics.World) *mat.VecDense     { return w.ControlForces() }

func (identityMapping) SetPositions(w dynamics.World, q *mat.VecDense)  { w.SetPositions(q) }
func (identityMapping) SetVelocities(w dynamics.World, v *mat.VecDense) { w.SetVelocities(v) }
func (identityMapping) SetForces(w dynamics.World, f *mat.VecDense)     { w.SetControlForces(f) }

func (identityMapping) PositionLowerLimits(w dynamics.World) *mat.VecDense {
	return w.PositionLowerLimits()
}

func (identityMapping) PositionUpperLimits(w dynamics.World) *mat.VecDense {
	return w.PositionUpperLimits()
}

func (identityMapping) VelocityLowerLimits(w dynamics.World) *mat.VecDense {
	return w.VelocityLowerLimits()
}

func (identityMapping) VelocityUpperLimits(w dynamics.World) *mat.VecDense {
	return w.VelocityUpperLimits()
}

func (identityMapping) ForceLowerLimits(w dynamics.World) *mat.VecDense {
	return w.ForceLowerLimits()
}

func (identityMapping) ForceUpperLimits(w dynamics.World) *mat.VecDense {
	return w.ForceUpperLimits()
}

func (identityMapping) RealPosToMappedPos(w dynamics.World) *mat.Dense     { return eye(w.NumDofs()) }
func (identityMapping) RealVelToMappedVel(w dynamics.World) *mat.Dense     { return eye(w.NumDofs()) }
func (identityMapping) RealForceToMappedForce(w dynamics.World) *mat.Dense { return eye(w.NumDofs()) }
func (identityMapping) MappedPosToRealPos(w dynamics.World) *mat.Dense     { return eye(w.NumDofs()) }
func (identityMapping) MappedVelToRealVel(w dynamics.World) *mat.Dense     { return eye(w.NumDofs()) }
func (identityMapping) MappedForceToRealForce(w dynamics.World) *mat.Dense { return eye(w.NumDofs()) }

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// LinearMapping views the world through a constant matrix S, so every mapped
// channel is S times its native counterpart. Writing back goes through the
// Moore-Penrose pseudoinverse of S, which makes the mapping lossless out of
// the mapped space whenever S has full column rank.
type LinearMapping struct {
	s     *mat.Dense
	sPinv *mat.Dense
}

// NewLinearMapping builds a LinearMapping from S. S must have as many
// columns as the worlds it will be used against have degrees of freedom.
func NewLinearMapping(s *mat.Dense) (*LinearMapping, error) {
	if s == nil {
		return nil, errors.New("linear mapping needs a matrix")
	}
	rows, cols := s.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.Errorf("linear mapping matrix must be non-empty, got %dx%d", rows, cols)
	}
	pinv, err := pseudoInverse(s)
	if err != nil {
		return nil, errors.Wrap(err, "computing pseudoinverse of mapping matrix")
	}
	return &LinearMapping{s: mat.DenseCopyOf(s), sPinv: pinv}, nil
}

func pseudoInverse(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil, errors.New("SVD failed to converge")
	}
	rows, cols := m.Dims()
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)
	k := len(vals)
	sigmaInv := mat.NewDense(k, k, nil)
	tol := float64(maxInt(rows, cols)) * vals[0] * 2.220446049250313e-16
	for i, sv := range vals {
		if sv > tol {
			sigmaInv.Set(i, i, 1/sv)
		}
	}
	pinv := mat.NewDense(cols, rows, nil)
	var tmp mat.Dense
	tmp.Mul(&v, sigmaInv)
	pinv.Mul(&tmp, u.T())
	return pinv, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (l *LinearMapping) mappedDim() int {
	rows, _ := l.s.Dims()
	return rows
}

func (l *LinearMapping) PosDim(w dynamics.World) int   { return l.mappedDim() }
func (l *LinearMapping) VelDim(w dynamics.World) int   { return l.mappedDim() }
func (l *LinearMapping) ForceDim(w dynamics.World) int { return l.mappedDim() }

func (l *LinearMapping) mapVec(native *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(l.mappedDim(), nil)
	out.MulVec(l.s, native)
	return out
}

func (l *LinearMapping) unmapVec(mapped *mat.VecDense) *mat.VecDense {
	_, cols := l.s.Dims()
	out := mat.NewVecDense(cols, nil)
	out.MulVec(l.sPinv, mapped)
	return out
}

func (l *LinearMapping) Positions(w dynamics.World) *mat.VecDense {
	return l.mapVec(w.Positions())
}

func (l *LinearMapping) Velocities(w dynamics.World) *mat.VecDense {
	return l.mapVec(w.Velocities())
}

func (l *LinearMapping) Forces(w dynamics.World) *mat.VecDense {
	return l.mapVec(w.ControlForces())
}

func (l *LinearMapping) SetPositions(w dynamics.World, q *mat.VecDense) {
	w.SetPositions(l.unmapVec(q))
}

func (l *LinearMapping) SetVelocities(w dynamics.World, v *mat.VecDense) {
	w.SetVelocities(l.unmapVec(v))
}

func (l *LinearMapping) SetForces(w dynamics.World, f *mat.VecDense) {
	w.SetControlForces(l.unmapVec(f))
}

// mapInterval pushes native elementwise bounds through S with interval
// arithmetic. Each positive coefficient pulls from the matching side of the
// native interval and each negative coefficient from the opposite side, so
// the mapped interval contains every reachable mapped value.
func (l *LinearMapping) mapInterval(nativeLower, nativeUpper *mat.VecDense, upper bool) *mat.VecDense {
	rows, cols := l.s.Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sij := l.s.At(i, j)
			if sij == 0 {
				continue
			}
			takeUpper := (sij > 0) == upper
			if takeUpper {
				sum += sij * nativeUpper.AtVec(j)
			} else {
				sum += sij * nativeLower.AtVec(j)
			}
		}
		out.SetVec(i, sum)
	}
	return out
}

func (l *LinearMapping) PositionLowerLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.PositionLowerLimits(), w.PositionUpperLimits(), false)
}

func (l *LinearMapping) PositionUpperLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.PositionLowerLimits(), w.PositionUpperLimits(), true)
}

func (l *LinearMapping) VelocityLowerLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.VelocityLowerLimits(), w.VelocityUpperLimits(), false)
}

func (l *LinearMapping) VelocityUpperLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.VelocityLowerLimits(), w.VelocityUpperLimits(), true)
}

func (l *LinearMapping) ForceLowerLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.ForceLowerLimits(), w.ForceUpperLimits(), false)
}

func (l *LinearMapping) ForceUpperLimits(w dynamics.World) *mat.VecDense {
	return l.mapInterval(w.ForceLowerLimits(), w.ForceUpperLimits(), true)
}

func (l *LinearMapping) RealPosToMappedPos(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.s)
}

func (l *LinearMapping) RealVelToMappedVel(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.s)
}

func (l *LinearMapping) RealForceToMappedForce(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.s)
}

func (l *LinearMapping) MappedPosToRealPos(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.sPinv)
}

func (l *LinearMapping) MappedVelToRealVel(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.sPinv)
}

func (l *LinearMapping) MappedForceToRealForce(w dynamics.World) *mat.Dense {
	return mat.DenseCopyOf(l.sPinv)
}

// MappingLosslessInto reports whether writing the mapping's current view of
// the world back through the mapping reproduces the same mapped values
// within tol. A lossy mapping collapses distinct native states and fails
// this in general, though it can still pass at particular states.
func MappingLosslessInto(w dynamics.World, m Mapping, tol float64) bool {
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	q, v, f := m.Positions(w), m.Velocities(w), m.Forces(w)
	m.SetPositions(w, q)
	m.SetVelocities(w, v)
	m.SetForces(w, f)
	return vecClose(m.Positions(w), q, tol) &&
		vecClose(m.Velocities(w), v, tol) &&
		vecClose(m.Forces(w), f, tol)
}

// MappingLosslessOut reports whether a native state survives a round trip
// out of the mapped space within tol, so mapped writes recover the native
// state they came from.
func MappingLosslessOut(w dynamics.World, m Mapping, tol float64) bool {
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	q := mat.VecDenseCopyOf(w.Positions())
	v := mat.VecDenseCopyOf(w.Velocities())
	f := mat.VecDenseCopyOf(w.ControlForces())
	m.SetPositions(w, m.Positions(w))
	m.SetVelocities(w, m.Velocities(w))
	m.SetForces(w, m.Forces(w))
	return vecClose(w.Positions(), q, tol) &&
		vecClose(w.Velocities(), v, tol) &&
		vecClose(w.ControlForces(), f, tol)
}

func vecClose(a, b *mat.VecDense, tol float64) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if math.Abs(a.AtVec(i)-b.AtVec(i)) > tol {
			return false
		}
	}
	return true
}
