package dynamics

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/spatial"
)

// NewCartpole returns a world containing a cart sliding along x with a
// point-mass pole hinged on top, pole angle measured from straight up. Mass
// parameters: [cartMass, poleMass]. Both dofs accept control force; classic
// cart-only actuation is obtained by zeroing the second dof's force limits.
func NewCartpole(cartMass, poleMass, poleLength, dt float64) *MechanismWorld {
	w := NewMechanismWorld(cartpoleModel{length: poleLength}, dt)
	w.SetMassParams(mat.NewVecDense(2, []float64{cartMass, poleMass}))
	return w
}

type cartpoleModel struct {
	length float64
}

func (cartpoleModel) Name() string        { return "cartpole" }
func (cartpoleModel) Dofs() int           { return 2 }
func (cartpoleModel) DofNames() []string  { return []string{"x", "theta"} }
func (cartpoleModel) BodyNames() []string { return []string{"cart", "pole"} }

func (m cartpoleModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	x := q.AtVec(0)
	theta := q.AtVec(1)
	if body == 0 {
		return spatial.NewPoseFromEulerXYZ(r3.Vector{X: x}, r3.Vector{})
	}
	bob := r3.Vector{X: x + m.length*math.Sin(theta), Y: m.length * math.Cos(theta)}
	return spatial.NewPoseFromEulerXYZ(bob, r3.Vector{Z: -theta})
}

func (cartpoleModel) MassDims() int { return 2 }

func (cartpoleModel) DefaultMassParams() *mat.VecDense {
	return mat.NewVecDense(2, []float64{1, 1})
}

func (m cartpoleModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {
	mc, mpole := mp.AtVec(0), mp.AtVec(1)
	c := math.Cos(q.AtVec(1))
	dst.Set(0, 0, mc+mpole)
	dst.Set(0, 1, mpole*m.length*c)
	dst.Set(1, 0, mpole*m.length*c)
	dst.Set(1, 1, mpole*m.length*m.length)
}

func (m cartpoleModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {
	dst.Zero()
	if k != 1 {
		return
	}
	s := math.Sin(q.AtVec(1))
	dst.Set(0, 1, -mp.AtVec(1)*m.length*s)
	dst.Set(1, 0, -mp.AtVec(1)*m.length*s)
}

func (m cartpoleModel) BiasForces(dst, q, v, mp *mat.VecDense) {
	mpole := mp.AtVec(1)
	s := math.Sin(q.AtVec(1))
	w := v.AtVec(1)
	dst.SetVec(0, -mpole*m.length*s*w*w)
	dst.SetVec(1, -mpole*gravityAccel*m.length*s)
}

func (m cartpoleModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {
	mpole := mp.AtVec(1)
	c := math.Cos(q.AtVec(1))
	w := v.AtVec(1)
	dst.Zero()
	dst.Set(0, 1, -mpole*m.length*c*w*w)
	dst.Set(1, 1, -mpole*gravityAccel*m.length*c)
}

func (m cartpoleModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {
	mpole := mp.AtVec(1)
	s := math.Sin(q.AtVec(1))
	dst.Zero()
	dst.Set(0, 1, -2*mpole*m.length*s*v.AtVec(1))
}
