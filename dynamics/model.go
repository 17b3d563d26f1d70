package dynamics

import (
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/spatial"
)

// Model is an analytic description of a mechanism in generalized
// coordinates: the equations of motion M(q) a + c(q, v) = f together with
// the exact partial derivatives the step sensitivities are assembled from.
// Implementations must be immutable after construction so a single Model can
// back many cloned worlds concurrently.
type Model interface {
	Name() string
	Dofs() int
	DofNames() []string
	BodyNames() []string
	// BodyPose reports the indexed body's world pose at configuration q.
	BodyPose(q *mat.VecDense, body int) spatial.Pose

	// MassDims is the number of tunable inertial parameters; the world
	// passes the current parameter vector into every dynamics query.
	MassDims() int
	DefaultMassParams() *mat.VecDense

	// MassMatrix writes M(q) into dst.
	MassMatrix(dst *mat.Dense, q, massParams *mat.VecDense)
	// MassMatrixPartial writes dM/dq_k into dst.
	MassMatrixPartial(dst *mat.Dense, q, massParams *mat.VecDense, k int)
	// BiasForces writes c(q, v) into dst: Coriolis, centrifugal, and gravity
	// terms, so that M a = f - c.
	BiasForces(dst, q, v, massParams *mat.VecDense)
	// BiasPosPartial writes dc/dq into dst.
	BiasPosPartial(dst *mat.Dense, q, v, massParams *mat.VecDense)
	// BiasVelPartial writes dc/dv into dst.
	BiasVelPartial(dst *mat.Dense, q, v, massParams *mat.VecDense)
}
