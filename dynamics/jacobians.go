package dynamics

import "gonum.org/v1/gonum/mat"

// TimestepJacobians holds the six sensitivity matrices of a step, or of a
// whole segment after chain composition. The field naming convention is
// XY = d(Y at the end) / d(X at the step): ForceVel is the sensitivity of
// the final velocity to the step's applied force, PosPos of the final
// position to the step's starting position, and so on. All six are n x n
// for an n-dof world.
type TimestepJacobians struct {
	ForcePos *mat.Dense
	ForceVel *mat.Dense
	PosPos   *mat.Dense
	PosVel   *mat.Dense
	VelPos   *mat.Dense
	VelVel   *mat.Dense
}

// NewTimestepJacobians returns zeroed n x n matrices.
func NewTimestepJacobians(n int) *TimestepJacobians {
	return &TimestepJacobians{
		ForcePos: mat.NewDense(n, n, nil),
		ForceVel: mat.NewDense(n, n, nil),
		PosPos:   mat.NewDense(n, n, nil),
		PosVel:   mat.NewDense(n, n, nil),
		VelPos:   mat.NewDense(n, n, nil),
		VelVel:   mat.NewDense(n, n, nil),
	}
}

// Copy returns a deep copy.
func (j *TimestepJacobians) Copy() *TimestepJacobians {
	return &TimestepJacobians{
		ForcePos: mat.DenseCopyOf(j.ForcePos),
		ForceVel: mat.DenseCopyOf(j.ForceVel),
		PosPos:   mat.DenseCopyOf(j.PosPos),
		PosVel:   mat.DenseCopyOf(j.PosVel),
		VelPos:   mat.DenseCopyOf(j.VelPos),
		VelVel:   mat.DenseCopyOf(j.VelVel),
	}
}

// MaxDifference returns the largest absolute elementwise difference between
// the two sets of matrices.
func (j *TimestepJacobians) MaxDifference(o *TimestepJacobians) float64 {
	worst := 0.0
	pairs := [][2]*mat.Dense{
		{j.ForcePos, o.ForcePos},
		{j.ForceVel, o.ForceVel},
		{j.PosPos, o.PosPos},
		{j.PosVel, o.PosVel},
		{j.VelPos, o.VelPos},
		{j.VelVel, o.VelVel},
	}
	for _, p := range pairs {
		r, c := p[0].Dims()
		for i := 0; i < r; i++ {
			for k := 0; k < c; k++ {
				d := p[0].At(i, k) - p[1].At(i, k)
				if d < 0 {
					d = -d
				}
				if d > worst {
					worst = d
				}
			}
		}
	}
	return worst
}
