package dynamics

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/trajkit/trajkit/spatial"
)

// gravityAccel is the gravitational acceleration applied by every model, in
// the -y direction.
const gravityAccel = 9.81

// NewBoxSlider returns a world containing a box free to slide along the
// horizontal x axis; gravity does no work on it. Mass parameters: [mass].
func NewBoxSlider(mass, dt float64) *MechanismWorld {
	w := NewMechanismWorld(boxSliderModel{}, dt)
	w.SetMassParams(mat.NewVecDense(1, []float64{mass}))
	return w
}

type boxSliderModel struct{}

func (boxSliderModel) Name() string        { return "box" }
func (boxSliderModel) Dofs() int           { return 1 }
func (boxSliderModel) DofNames() []string  { return []string{"x"} }
func (boxSliderModel) BodyNames() []string { return []string{"box"} }

func (boxSliderModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	return spatial.NewPose(r3.Vector{X: q.AtVec(0)}, quat.Number{Real: 1})
}

func (boxSliderModel) MassDims() int { return 1 }

func (boxSliderModel) DefaultMassParams() *mat.VecDense {
	return mat.NewVecDense(1, []float64{1})
}

func (boxSliderModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {
	dst.Set(0, 0, mp.AtVec(0))
}

func (boxSliderModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {
	dst.Zero()
}

func (boxSliderModel) BiasForces(dst, q, v, mp *mat.VecDense) { dst.Zero() }

func (boxSliderModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) { dst.Zero() }

func (boxSliderModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) { dst.Zero() }

// NewVerticalSlider returns a world containing a box on a vertical prismatic
// joint, with gravity pulling against the coordinate. Mass parameters:
// [mass].
func NewVerticalSlider(mass, dt float64) *MechanismWorld {
	w := NewMechanismWorld(verticalSliderModel{}, dt)
	w.SetMassParams(mat.NewVecDense(1, []float64{mass}))
	return w
}

type verticalSliderModel struct{}

func (verticalSliderModel) Name() string        { return "vertical_box" }
func (verticalSliderModel) Dofs() int           { return 1 }
func (verticalSliderModel) DofNames() []string  { return []string{"y"} }
func (verticalSliderModel) BodyNames() []string { return []string{"box"} }

func (verticalSliderModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	return spatial.NewPose(r3.Vector{Y: q.AtVec(0)}, quat.Number{Real: 1})
}

func (verticalSliderModel) MassDims() int { return 1 }

func (verticalSliderModel) DefaultMassParams() *mat.VecDense {
	return mat.NewVecDense(1, []float64{1})
}

func (verticalSliderModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {
	dst.Set(0, 0, mp.AtVec(0))
}

func (verticalSliderModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {
	dst.Zero()
}

func (verticalSliderModel) BiasForces(dst, q, v, mp *mat.VecDense) {
	dst.SetVec(0, mp.AtVec(0)*gravityAccel)
}

func (verticalSliderModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) { dst.Zero() }

func (verticalSliderModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) { dst.Zero() }

// NewPendulum returns a world containing a single revolute pendulum: a point
// mass at the end of a massless rod, angle measured from straight down.
// Mass parameters: [mass].
func NewPendulum(mass, length, dt float64) *MechanismWorld {
	w := NewMechanismWorld(pendulumModel{length: length}, dt)
	w.SetMassParams(mat.NewVecDense(1, []float64{mass}))
	return w
}

type pendulumModel struct {
	length float64
}

func (pendulumModel) Name() string        { return "pendulum" }
func (pendulumModel) Dofs() int           { return 1 }
func (pendulumModel) DofNames() []string  { return []string{"theta"} }
func (pendulumModel) BodyNames() []string { return []string{"bob"} }

func (m pendulumModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	theta := q.AtVec(0)
	return spatial.NewPoseFromEulerXYZ(
		r3.Vector{X: m.length * math.Sin(theta), Y: -m.length * math.Cos(theta)},
		r3.Vector{Z: theta},
	)
}

func (pendulumModel) MassDims() int { return 1 }

func (pendulumModel) DefaultMassParams() *mat.VecDense {
	return mat.NewVecDense(1, []float64{1})
}

func (m pendulumModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {
	dst.Set(0, 0, mp.AtVec(0)*m.length*m.length)
}

func (pendulumModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {
	dst.Zero()
}

func (m pendulumModel) BiasForces(dst, q, v, mp *mat.VecDense) {
	dst.SetVec(0, mp.AtVec(0)*gravityAccel*m.length*math.Sin(q.AtVec(0)))
}

func (m pendulumModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {
	dst.Set(0, 0, mp.AtVec(0)*gravityAccel*m.length*math.Cos(q.AtVec(0)))
}

func (pendulumModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) { dst.Zero() }
