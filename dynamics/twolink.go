package dynamics

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/spatial"
)

// NewTwoLinkArm returns a world containing a planar two-link arm: point
// masses at the ends of massless links, revolute joints about z, the second
// angle relative to the first, both measured from straight down. Its mass
// matrix depends on configuration, which exercises the dM/dq terms of the
// step sensitivities. Mass parameters: [m1, m2].
func NewTwoLinkArm(m1, l1, m2, l2, dt float64) *MechanismWorld {
	w := NewMechanismWorld(twoLinkModel{l1: l1, l2: l2}, dt)
	w.SetMassParams(mat.NewVecDense(2, []float64{m1, m2}))
	return w
}

type twoLinkModel struct {
	l1, l2 float64
}

func (twoLinkModel) Name() string        { return "two_link_arm" }
func (twoLinkModel) Dofs() int           { return 2 }
func (twoLinkModel) DofNames() []string  { return []string{"joint1", "joint2"} }
func (twoLinkModel) BodyNames() []string { return []string{"link1", "link2"} }

func (m twoLinkModel) BodyPose(q *mat.VecDense, body int) spatial.Pose {
	t1 := q.AtVec(0)
	t12 := t1 + q.AtVec(1)
	p1 := r3.Vector{X: m.l1 * math.Sin(t1), Y: -m.l1 * math.Cos(t1)}
	if body == 0 {
		return spatial.NewPoseFromEulerXYZ(p1, r3.Vector{Z: t1})
	}
	p2 := p1.Add(r3.Vector{X: m.l2 * math.Sin(t12), Y: -m.l2 * math.Cos(t12)})
	return spatial.NewPoseFromEulerXYZ(p2, r3.Vector{Z: t12})
}

func (twoLinkModel) MassDims() int { return 2 }

func (twoLinkModel) DefaultMassParams() *mat.VecDense {
	return mat.NewVecDense(2, []float64{1, 1})
}

func (m twoLinkModel) MassMatrix(dst *mat.Dense, q, mp *mat.VecDense) {
	m1, m2 := mp.AtVec(0), mp.AtVec(1)
	c2 := math.Cos(q.AtVec(1))
	dst.Set(0, 0, (m1+m2)*m.l1*m.l1+m2*m.l2*m.l2+2*m2*m.l1*m.l2*c2)
	dst.Set(0, 1, m2*m.l2*m.l2+m2*m.l1*m.l2*c2)
	dst.Set(1, 0, dst.At(0, 1))
	dst.Set(1, 1, m2*m.l2*m.l2)
}

func (m twoLinkModel) MassMatrixPartial(dst *mat.Dense, q, mp *mat.VecDense, k int) {
	dst.Zero()
	if k != 1 {
		return
	}
	h := mp.AtVec(1) * m.l1 * m.l2
	s2 := math.Sin(q.AtVec(1))
	dst.Set(0, 0, -2*h*s2)
	dst.Set(0, 1, -h*s2)
	dst.Set(1, 0, -h*s2)
}

func (m twoLinkModel) BiasForces(dst, q, v, mp *mat.VecDense) {
	m1, m2 := mp.AtVec(0), mp.AtVec(1)
	h := m2 * m.l1 * m.l2
	s2 := math.Sin(q.AtVec(1))
	s1 := math.Sin(q.AtVec(0))
	s12 := math.Sin(q.AtVec(0) + q.AtVec(1))
	v1, v2 := v.AtVec(0), v.AtVec(1)
	dst.SetVec(0, -h*s2*(2*v1*v2+v2*v2)+
		(m1+m2)*gravityAccel*m.l1*s1+m2*gravityAccel*m.l2*s12)
	dst.SetVec(1, h*s2*v1*v1+m2*gravityAccel*m.l2*s12)
}

func (m twoLinkModel) BiasPosPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {
	m1, m2 := mp.AtVec(0), mp.AtVec(1)
	h := m2 * m.l1 * m.l2
	c2 := math.Cos(q.AtVec(1))
	c1 := math.Cos(q.AtVec(0))
	c12 := math.Cos(q.AtVec(0) + q.AtVec(1))
	v1, v2 := v.AtVec(0), v.AtVec(1)
	gl2 := m2 * gravityAccel * m.l2
	dst.Set(0, 0, (m1+m2)*gravityAccel*m.l1*c1+gl2*c12)
	dst.Set(0, 1, -h*c2*(2*v1*v2+v2*v2)+gl2*c12)
	dst.Set(1, 0, gl2*c12)
	dst.Set(1, 1, h*c2*v1*v1+gl2*c12)
}

func (m twoLinkModel) BiasVelPartial(dst *mat.Dense, q, v, mp *mat.VecDense) {
	h := mp.AtVec(1) * m.l1 * m.l2
	s2 := math.Sin(q.AtVec(1))
	v1, v2 := v.AtVec(0), v.AtVec(1)
	dst.Set(0, 0, -2*h*s2*v2)
	dst.Set(0, 1, -2*h*s2*(v1+v2))
	dst.Set(1, 0, 2*h*s2*v1)
	dst.Set(1, 1, 0)
}
