// Package spatial provides the minimal rigid-body pose type used to report
// body placements from a simulated world, for example when exporting a
// trajectory rollout for visualization.
package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// gimbalEps is the tolerance at which the Euler-XYZ extraction treats the
// middle angle as exactly +-pi/2.
const gimbalEps = 1e-6

// Pose is a position and orientation in 3D Euclidean space. The zero value
// is not a valid pose; use NewZeroPose for the identity.
type Pose struct {
	point       r3.Vector
	orientation quat.Number
}

// NewZeroPose returns a pose at the origin with no rotation.
func NewZeroPose() Pose {
	return Pose{orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose from a point and a unit quaternion orientation.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	return Pose{point: point, orientation: orientation}
}

// NewPoseFromEulerXYZ returns a pose whose orientation is the rotation
// Rx(angles.X) * Ry(angles.Y) * Rz(angles.Z).
func NewPoseFromEulerXYZ(point, angles r3.Vector) Pose {
	qx := quat.Number{Real: math.Cos(angles.X / 2), Imag: math.Sin(angles.X / 2)}
	qy := quat.Number{Real: math.Cos(angles.Y / 2), Jmag: math.Sin(angles.Y / 2)}
	qz := quat.Number{Real: math.Cos(angles.Z / 2), Kmag: math.Sin(angles.Z / 2)}
	return Pose{point: point, orientation: quat.Mul(quat.Mul(qx, qy), qz)}
}

// Point returns the translation component.
func (p Pose) Point() r3.Vector {
	return p.point
}

// Quaternion returns the orientation component.
func (p Pose) Quaternion() quat.Number {
	return p.orientation
}

// Compose returns the pose obtained by applying q in p's frame.
func (p Pose) Compose(q Pose) Pose {
	return Pose{
		point:       p.point.Add(p.rotatePoint(q.point)),
		orientation: quat.Mul(p.orientation, q.orientation),
	}
}

func (p Pose) rotatePoint(v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rot := quat.Mul(quat.Mul(p.orientation, qv), quat.Conj(p.orientation))
	return r3.Vector{X: rot.Imag, Y: rot.Jmag, Z: rot.Kmag}
}

// RotationMatrix returns the 3x3 rotation matrix of the orientation.
func (p Pose) RotationMatrix() *mat.Dense {
	w, x, y, z := p.orientation.Real, p.orientation.Imag, p.orientation.Jmag, p.orientation.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// EulerXYZ extracts angles (x, y, z) such that the orientation equals
// Rx(x) * Ry(y) * Rz(z). At the y = +-pi/2 singularity x is reported as 0
// and the remaining rotation is folded into z.
func (p Pose) EulerXYZ() r3.Vector {
	r := p.RotationMatrix()
	if r.At(0, 2) > 1-gimbalEps {
		return r3.Vector{
			X: 0,
			Y: math.Pi / 2,
			Z: math.Atan2(r.At(1, 0), r.At(1, 1)),
		}
	}
	if r.At(0, 2) < -(1 - gimbalEps) {
		return r3.Vector{
			X: 0,
			Y: -math.Pi / 2,
			Z: math.Atan2(r.At(1, 0), r.At(1, 1)),
		}
	}
	return r3.Vector{
		X: -math.Atan2(r.At(1, 2), r.At(2, 2)),
		Y: math.Asin(r.At(0, 2)),
		Z: -math.Atan2(r.At(0, 1), r.At(0, 0)),
	}
}
