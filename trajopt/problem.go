// Package trajopt formulates trajectory optimization over differentiable
// simulation worlds as smooth nonlinear programs. A problem owns the
// trajectory's decision variables, flattens them into a single vector for an
// optimizer, and answers loss, gradient, constraint, and Jacobian queries by
// rolling a world forward and backpropagating analytic per-step sensitivities.
//
// SingleShot treats the whole horizon as one rollout from a start state.
// MultiShot cuts the horizon into independently tunable segments stitched by
// knot constraints, which shortens the dependency chains gradients travel
// through and lets segment evaluations run in parallel on cloned worlds.
package trajopt

import (
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// Problem is a trajectory optimization problem ready to hand to an
// optimizer. Dimension queries depend only on the problem's stored
// configuration; evaluation queries take the world to evaluate against, so
// one problem can be scored on independent clones. Evaluation queries that
// mutate the world restore it before returning and recompute from the
// currently stored decision variables on every call.
//
// Output buffers are caller-allocated. A query returns a dimension mismatch
// error, writing nothing, when a buffer does not match the advertised size.
type Problem interface {
	// NumSteps is the total number of timesteps in the horizon.
	NumSteps() int
	// MassDims is the inertial parameter dimension of the construction world.
	MassDims() int
	RepresentationName() string
	MappingNames() []string
	// Mapping returns a registered mapping by name.
	Mapping(name string) (Mapping, bool)
	// MappingDims returns the dims of a registered mapping as captured at
	// registration time.
	MappingDims(name string) (MappingDims, bool)
	// Metadata is the problem's metadata template, copied into each rollout
	// created for it.
	Metadata() map[string]*mat.Dense

	// FlatProblemDim is the length of the flat decision vector.
	FlatProblemDim() int
	// ConstraintDim is the number of constraint rows, custom constraints
	// first and then any knot rows.
	ConstraintDim() int
	// NumberNonZeroJacobian is the entry count of the sparse constraint
	// Jacobian encoding.
	NumberNonZeroJacobian() int

	// Flatten writes the stored decision variables into flat.
	Flatten(flat *mat.VecDense) error
	// Unflatten replaces the stored decision variables from flat.
	Unflatten(flat *mat.VecDense) error
	// InitialGuess writes the starting point handed to optimizers.
	InitialGuess(flat *mat.VecDense) error
	// FlatDimName names flat dimension i for diagnostics, returning an OOB
	// sentinel rather than failing on bad indexes.
	FlatDimName(i int) string

	// UpperBounds and LowerBounds write elementwise box bounds on the flat
	// vector, taken from the world's limits through the representation.
	UpperBounds(w dynamics.World, flat *mat.VecDense) error
	LowerBounds(w dynamics.World, flat *mat.VecDense) error

	// ComputeConstraints evaluates all constraint rows at the stored
	// decision variables.
	ComputeConstraints(w dynamics.World, out *mat.VecDense) error
	ConstraintUpperBounds(out *mat.VecDense) error
	ConstraintLowerBounds(out *mat.VecDense) error

	// Loss rolls out the stored decision variables and scores the result.
	Loss(w dynamics.World) float64
	// BackpropGradient writes d(loss)/d(flat) computed by the adjoint sweep.
	BackpropGradient(w dynamics.World, grad *mat.VecDense) error
	// BackpropGradientWrt backpropagates an arbitrary gradient with respect
	// to the rollout into flat space. The wrt rollout holds d(value)/d(entry)
	// for the active representation's traces.
	BackpropGradientWrt(w dynamics.World, wrt RolloutReader, grad *mat.VecDense) error

	// BackpropJacobian writes the dense constraint Jacobian, one row per
	// constraint dimension.
	BackpropJacobian(w dynamics.World, jac *mat.Dense) error
	// JacobianSparsityStructure writes the row and column index of every
	// sparse entry, in the same order SparseJacobian writes values.
	JacobianSparsityStructure(rows, cols []int) error
	// SparseJacobian writes the sparse entry values.
	SparseJacobian(w dynamics.World, values *mat.VecDense) error

	// States rolls out the stored decision variables into the rollout. With
	// useKnots each segment starts from its own tunable start state; without
	// it the first segment's start state is rolled through the entire
	// horizon under all stored forces.
	States(w dynamics.World, rollout Rollout, useKnots bool) error
}
