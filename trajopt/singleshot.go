package trajopt

import (
	"fmt"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/finitediff"
)

// riddersShotStep is the starting interval for Ridders extrapolation over
// flat decision variables.
const riddersShotStep = 1e-3

// SingleShot optimizes one contiguous rollout. Its decision variables are an
// optional tunable start state followed by one force block per unpinned
// timestep, all expressed in the active representation.
type SingleShot struct {
	problemCore

	tuneStartingState bool
	startPos          *mat.VecDense
	startVel          *mat.VecDense
	forces            *mat.Dense
	pinnedForces      map[int]*mat.VecDense
}

// NewSingleShot builds a shot over the given horizon, capturing the world's
// current state as the initial start state. With tuneStartingState the start
// state joins the decision variables; otherwise it stays fixed at whatever
// SetStartPos and SetStartVel last stored.
func NewSingleShot(w dynamics.World, loss *LossFn, steps int, tuneStartingState bool, logger golog.Logger) (*SingleShot, error) {
	if w == nil {
		return nil, errors.New("shot needs a world")
	}
	if steps <= 0 {
		return nil, errors.Errorf("shot needs at least one timestep, got %d", steps)
	}
	if w.NumDofs() == 0 {
		return nil, errors.Errorf("world %q has no degrees of freedom to optimize", w.ModelName())
	}
	s := &SingleShot{
		problemCore:       newProblemCore(w, loss, steps, logger),
		tuneStartingState: tuneStartingState,
		pinnedForces:      map[int]*mat.VecDense{},
	}
	rep := s.repMapping()
	s.startPos = rep.Positions(w)
	s.startVel = rep.Velocities(w)
	s.forces = newDense(s.repDims().Force, steps)
	return s, nil
}

// TunesStartingState reports whether the start state is part of the flat
// decision vector.
func (s *SingleShot) TunesStartingState() bool {
	return s.tuneStartingState
}

// StartPos returns a copy of the stored start position in representation
// space.
func (s *SingleShot) StartPos() *mat.VecDense {
	return mat.VecDenseCopyOf(s.startPos)
}

// StartVel returns a copy of the stored start velocity in representation
// space.
func (s *SingleShot) StartVel() *mat.VecDense {
	return mat.VecDenseCopyOf(s.startVel)
}

// StartState returns the stored start position and velocity concatenated.
func (s *SingleShot) StartState() *mat.VecDense {
	return concatVec(s.startPos, s.startVel)
}

// SetStartPos replaces the stored start position.
func (s *SingleShot) SetStartPos(q *mat.VecDense) error {
	if q.Len() != s.startPos.Len() {
		return NewDimensionMismatchError("start position", s.startPos.Len(), q.Len())
	}
	s.startPos.CopyVec(q)
	return nil
}

// SetStartVel replaces the stored start velocity.
func (s *SingleShot) SetStartVel(v *mat.VecDense) error {
	if v.Len() != s.startVel.Len() {
		return NewDimensionMismatchError("start velocity", s.startVel.Len(), v.Len())
	}
	s.startVel.CopyVec(v)
	return nil
}

// PinForce fixes the force at timestep t to the given representation-space
// value, removing that block from the decision variables. Rollouts still
// apply the pinned value.
func (s *SingleShot) PinForce(t int, value *mat.VecDense) error {
	if t < 0 || t >= s.steps {
		return NewOutOfRangeError("timestep", t, s.steps)
	}
	fdim := s.repDims().Force
	if value.Len() != fdim {
		return NewDimensionMismatchError("pinned force", fdim, value.Len())
	}
	s.pinnedForces[t] = mat.VecDenseCopyOf(value)
	return nil
}

// PinnedForce returns the pinned force at timestep t, if any.
func (s *SingleShot) PinnedForce(t int) (*mat.VecDense, bool) {
	value, ok := s.pinnedForces[t]
	if !ok {
		return nil, false
	}
	return mat.VecDenseCopyOf(value), true
}

func (s *SingleShot) forceAt(t int) *mat.VecDense {
	if pinned, ok := s.pinnedForces[t]; ok {
		return pinned
	}
	return s.forces.ColView(t).(*mat.VecDense)
}

func (s *SingleShot) startBlockDim() int {
	if s.tuneStartingState {
		return s.stateDim()
	}
	return 0
}

// forceOffsets maps each timestep to its offset in the flat vector, with -1
// marking pinned steps.
func (s *SingleShot) forceOffsets() []int {
	out := make([]int, s.steps)
	off := s.startBlockDim()
	fdim := s.repDims().Force
	for t := 0; t < s.steps; t++ {
		if _, ok := s.pinnedForces[t]; ok {
			out[t] = -1
			continue
		}
		out[t] = off
		off += fdim
	}
	return out
}

func (s *SingleShot) FlatProblemDim() int {
	return s.startBlockDim() + (s.steps-len(s.pinnedForces))*s.repDims().Force
}

func (s *SingleShot) checkFlat(flat *mat.VecDense) error {
	if flat.Len() != s.FlatProblemDim() {
		return NewDimensionMismatchError("flat vector", s.FlatProblemDim(), flat.Len())
	}
	return nil
}

func (s *SingleShot) Flatten(flat *mat.VecDense) error {
	if err := s.checkFlat(flat); err != nil {
		return err
	}
	cursor := 0
	if s.tuneStartingState {
		cursor = copyVecInto(flat, cursor, s.startPos)
		cursor = copyVecInto(flat, cursor, s.startVel)
	}
	fdim := s.repDims().Force
	for t := 0; t < s.steps; t++ {
		if _, ok := s.pinnedForces[t]; ok {
			continue
		}
		for i := 0; i < fdim; i++ {
			flat.SetVec(cursor+i, s.forces.At(i, t))
		}
		cursor += fdim
	}
	return nil
}

func (s *SingleShot) Unflatten(flat *mat.VecDense) error {
	if err := s.checkFlat(flat); err != nil {
		return err
	}
	cursor := 0
	if s.tuneStartingState {
		cursor = readVecFrom(flat, cursor, s.startPos)
		cursor = readVecFrom(flat, cursor, s.startVel)
	}
	fdim := s.repDims().Force
	for t := 0; t < s.steps; t++ {
		if _, ok := s.pinnedForces[t]; ok {
			continue
		}
		for i := 0; i < fdim; i++ {
			s.forces.Set(i, t, flat.AtVec(cursor+i))
		}
		cursor += fdim
	}
	return nil
}

// InitialGuess is the currently stored decision variables, so seeding a shot
// is setting its start state and forces before handing it to an optimizer.
func (s *SingleShot) InitialGuess(flat *mat.VecDense) error {
	return s.Flatten(flat)
}

func (s *SingleShot) bounds(w dynamics.World, flat *mat.VecDense, upper bool) error {
	if err := s.checkFlat(flat); err != nil {
		return err
	}
	rep := s.repMapping()
	cursor := 0
	if s.tuneStartingState {
		var pos, vel *mat.VecDense
		if upper {
			pos, vel = rep.PositionUpperLimits(w), rep.VelocityUpperLimits(w)
		} else {
			pos, vel = rep.PositionLowerLimits(w), rep.VelocityLowerLimits(w)
		}
		cursor = copyVecInto(flat, cursor, pos)
		cursor = copyVecInto(flat, cursor, vel)
	}
	var force *mat.VecDense
	if upper {
		force = rep.ForceUpperLimits(w)
	} else {
		force = rep.ForceLowerLimits(w)
	}
	for t := 0; t < s.steps; t++ {
		if _, ok := s.pinnedForces[t]; ok {
			continue
		}
		cursor = copyVecInto(flat, cursor, force)
	}
	return nil
}

func (s *SingleShot) UpperBounds(w dynamics.World, flat *mat.VecDense) error {
	return s.bounds(w, flat, true)
}

func (s *SingleShot) LowerBounds(w dynamics.World, flat *mat.VecDense) error {
	return s.bounds(w, flat, false)
}

func (s *SingleShot) FlatDimName(i int) string {
	if i < 0 || i >= s.FlatProblemDim() {
		return flatDimNameOOB
	}
	dims := s.repDims()
	if s.tuneStartingState {
		if i < dims.Pos {
			return "Start Pos " + s.dimLabel(dims.Pos, i)
		}
		i -= dims.Pos
		if i < dims.Vel {
			return "Start Vel " + s.dimLabel(dims.Vel, i)
		}
		i -= dims.Vel
	}
	block := i / dims.Force
	j := i % dims.Force
	for t := 0; t < s.steps; t++ {
		if _, ok := s.pinnedForces[t]; ok {
			continue
		}
		if block == 0 {
			return fmt.Sprintf("Force[%d] %s", t, s.dimLabel(dims.Force, j))
		}
		block--
	}
	return flatDimNameOOB
}

func (s *SingleShot) ConstraintDim() int {
	return s.customConstraintDim()
}

func (s *SingleShot) ComputeConstraints(w dynamics.World, out *mat.VecDense) error {
	if out.Len() != s.ConstraintDim() {
		return NewDimensionMismatchError("constraint vector", s.ConstraintDim(), out.Len())
	}
	if s.ConstraintDim() == 0 {
		return nil
	}
	rollout := NewRollout(s, s.logger)
	if err := s.States(w, rollout, true); err != nil {
		return err
	}
	s.fillCustomConstraintValues(rollout, out)
	return nil
}

func (s *SingleShot) ConstraintUpperBounds(out *mat.VecDense) error {
	if out.Len() != s.ConstraintDim() {
		return NewDimensionMismatchError("constraint vector", s.ConstraintDim(), out.Len())
	}
	s.fillCustomConstraintBounds(out, true)
	return nil
}

func (s *SingleShot) ConstraintLowerBounds(out *mat.VecDense) error {
	if out.Len() != s.ConstraintDim() {
		return NewDimensionMismatchError("constraint vector", s.ConstraintDim(), out.Len())
	}
	s.fillCustomConstraintBounds(out, false)
	return nil
}

// States rolls the stored start state forward under the stored forces,
// recording every mapping's view of each post-step state. useKnots is
// meaningless for a single shot.
func (s *SingleShot) States(w dynamics.World, rollout Rollout, useKnots bool) error {
	rollout.Masses().CopyVec(w.MassParams())
	return s.statesInto(w, rollout)
}

func (s *SingleShot) statesInto(w dynamics.World, rollout Rollout) error {
	if rollout.Steps() != s.steps {
		return NewDimensionMismatchError("rollout steps", s.steps, rollout.Steps())
	}
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	rep := s.repMapping()
	rep.SetPositions(w, s.startPos)
	rep.SetVelocities(w, s.startVel)
	for t := 0; t < s.steps; t++ {
		rep.SetForces(w, s.forceAt(t))
		w.Step()
		for _, name := range s.mappingOrder {
			m := s.mappings[name]
			if dst := rollout.Poses(name); dst != nil {
				setCol(dst, t, m.Positions(w))
			}
			if dst := rollout.Vels(name); dst != nil {
				setCol(dst, t, m.Velocities(w))
			}
			if dst := rollout.Forces(name); dst != nil {
				setCol(dst, t, m.Forces(w))
			}
		}
	}
	return nil
}

// Unroll records just the active representation's trace into caller
// matrices, each repDim x steps.
func (s *SingleShot) Unroll(w dynamics.World, poses, vels, forces *mat.Dense) error {
	dims := s.repDims()
	if err := checkMatDims("unroll poses", poses, dims.Pos, s.steps); err != nil {
		return err
	}
	if err := checkMatDims("unroll vels", vels, dims.Vel, s.steps); err != nil {
		return err
	}
	if err := checkMatDims("unroll forces", forces, dims.Force, s.steps); err != nil {
		return err
	}
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	rep := s.repMapping()
	rep.SetPositions(w, s.startPos)
	rep.SetVelocities(w, s.startVel)
	for t := 0; t < s.steps; t++ {
		rep.SetForces(w, s.forceAt(t))
		w.Step()
		setCol(poses, t, rep.Positions(w))
		setCol(vels, t, rep.Velocities(w))
		setCol(forces, t, rep.Forces(w))
	}
	return nil
}

// FinalState returns the representation-space state after rolling the whole
// shot out, positions then velocities.
func (s *SingleShot) FinalState(w dynamics.World) (*mat.VecDense, error) {
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	rep := s.repMapping()
	rep.SetPositions(w, s.startPos)
	rep.SetVelocities(w, s.startVel)
	for t := 0; t < s.steps; t++ {
		rep.SetForces(w, s.forceAt(t))
		w.Step()
	}
	return concatVec(rep.Positions(w), rep.Velocities(w)), nil
}

func (s *SingleShot) Loss(w dynamics.World) float64 {
	rollout := NewRollout(s, s.logger)
	if err := s.States(w, rollout, true); err != nil {
		s.logger.Errorw("rollout failed while computing loss", "error", err)
		return math.NaN()
	}
	return s.loss.Loss(rollout)
}

// collectStepJacobians rolls the shot forward, capturing each step's native
// Jacobians and sandwiching them with the representation's map Jacobians,
// evaluated before the step for inputs and after it for outputs. The
// identity representation skips the sandwich.
func (s *SingleShot) collectStepJacobians(w dynamics.World) []*dynamics.TimestepJacobians {
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	rep := s.repMapping()
	rep.SetPositions(w, s.startPos)
	rep.SetVelocities(w, s.startVel)
	identity := s.isIdentityRep()
	out := make([]*dynamics.TimestepJacobians, s.steps)
	for t := 0; t < s.steps; t++ {
		var prePos, preVel, preForce *mat.Dense
		if !identity {
			prePos = rep.MappedPosToRealPos(w)
			preVel = rep.MappedVelToRealVel(w)
			preForce = rep.MappedForceToRealForce(w)
		}
		rep.SetForces(w, s.forceAt(t))
		native := w.StepJacobians()
		w.Step()
		if identity {
			out[t] = native
			continue
		}
		postPos := rep.RealPosToMappedPos(w)
		postVel := rep.RealVelToMappedVel(w)
		out[t] = &dynamics.TimestepJacobians{
			PosPos:   sandwich(postPos, native.PosPos, prePos),
			VelPos:   sandwich(postPos, native.VelPos, preVel),
			ForcePos: sandwich(postPos, native.ForcePos, preForce),
			PosVel:   sandwich(postVel, native.PosVel, prePos),
			VelVel:   sandwich(postVel, native.VelVel, preVel),
			ForceVel: sandwich(postVel, native.ForceVel, preForce),
		}
	}
	return out
}

func sandwich(post, native, pre *mat.Dense) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(native, pre)
	out.Mul(post, &tmp)
	return &out
}

// stackState splits a step's Jacobians into the state transition matrix
// d(state after)/d(state before) and the force entry matrix
// d(state after)/d(force), both with rows ordered position then velocity.
func stackState(j *dynamics.TimestepJacobians) (trans, force *mat.Dense) {
	p, _ := j.PosPos.Dims()
	v, _ := j.VelVel.Dims()
	_, f := j.ForcePos.Dims()
	trans = mat.NewDense(p+v, p+v, nil)
	trans.Slice(0, p, 0, p).(*mat.Dense).Copy(j.PosPos)
	trans.Slice(0, p, p, p+v).(*mat.Dense).Copy(j.VelPos)
	trans.Slice(p, p+v, 0, p).(*mat.Dense).Copy(j.PosVel)
	trans.Slice(p, p+v, p, p+v).(*mat.Dense).Copy(j.VelVel)
	force = mat.NewDense(p+v, f, nil)
	force.Slice(0, p, 0, f).(*mat.Dense).Copy(j.ForcePos)
	force.Slice(p, p+v, 0, f).(*mat.Dense).Copy(j.ForceVel)
	return trans, force
}

// BackpropJacobianOfFinalState writes d(final state)/d(flat) by running the
// backward recurrence over the collected per-step Jacobians: a running
// product seeds each unpinned force column block before being composed with
// that step's transition, and what remains after step zero is the start
// state block.
func (s *SingleShot) BackpropJacobianOfFinalState(w dynamics.World, jac *mat.Dense) error {
	if err := checkMatDims("final state jacobian", jac, s.stateDim(), s.FlatProblemDim()); err != nil {
		return err
	}
	jac.Zero()
	stepJacs := s.collectStepJacobians(w)
	sd := s.stateDim()
	fdim := s.repDims().Force
	offsets := s.forceOffsets()
	g := eye(sd)
	for t := s.steps - 1; t >= 0; t-- {
		trans, force := stackState(stepJacs[t])
		if offsets[t] >= 0 {
			var block mat.Dense
			block.Mul(g, force)
			jac.Slice(0, sd, offsets[t], offsets[t]+fdim).(*mat.Dense).Copy(&block)
		}
		var next mat.Dense
		next.Mul(g, trans)
		g = &next
	}
	if s.tuneStartingState {
		jac.Slice(0, sd, 0, sd).(*mat.Dense).Copy(g)
	}
	return nil
}

// BackpropStartStateJacobians composes every step's Jacobians into the
// sensitivity of the final state to the start state and the first step's
// force, reported in the same six-matrix form a single step uses.
func (s *SingleShot) BackpropStartStateJacobians(w dynamics.World) (*dynamics.TimestepJacobians, error) {
	stepJacs := s.collectStepJacobians(w)
	sd := s.stateDim()
	g := eye(sd)
	var force0 *mat.Dense
	for t := s.steps - 1; t >= 0; t-- {
		trans, force := stackState(stepJacs[t])
		if t == 0 {
			var block mat.Dense
			block.Mul(g, force)
			force0 = &block
		}
		var next mat.Dense
		next.Mul(g, trans)
		g = &next
	}
	dims := s.repDims()
	p, v := dims.Pos, dims.Vel
	return &dynamics.TimestepJacobians{
		PosPos:   mat.DenseCopyOf(g.Slice(0, p, 0, p)),
		VelPos:   mat.DenseCopyOf(g.Slice(0, p, p, p+v)),
		PosVel:   mat.DenseCopyOf(g.Slice(p, p+v, 0, p)),
		VelVel:   mat.DenseCopyOf(g.Slice(p, p+v, p, p+v)),
		ForcePos: mat.DenseCopyOf(force0.Slice(0, p, 0, dims.Force)),
		ForceVel: mat.DenseCopyOf(force0.Slice(p, p+v, 0, dims.Force)),
	}, nil
}

// BackpropGradient computes d(loss)/d(flat) with one rollout, one loss
// gradient evaluation, and one adjoint sweep.
func (s *SingleShot) BackpropGradient(w dynamics.World, grad *mat.VecDense) error {
	if err := s.checkFlat(grad); err != nil {
		return err
	}
	rollout := NewRollout(s, s.logger)
	if err := s.States(w, rollout, true); err != nil {
		return err
	}
	gradRollout := NewRollout(s, s.logger)
	s.loss.GradientAndLoss(rollout, gradRollout)
	return s.BackpropGradientWrt(w, gradRollout, grad)
}

// BackpropGradientWrt backpropagates a gradient with respect to the active
// representation's rollout traces into flat space by sweeping an adjoint
// state backward through the per-step Jacobians.
func (s *SingleShot) BackpropGradientWrt(w dynamics.World, wrt RolloutReader, grad *mat.VecDense) error {
	if err := s.checkFlat(grad); err != nil {
		return err
	}
	if wrt.Steps() != s.steps {
		return NewDimensionMismatchError("gradient rollout steps", s.steps, wrt.Steps())
	}
	grad.Zero()
	gradPoses := wrt.PosesConst(s.rep)
	gradVels := wrt.VelsConst(s.rep)
	gradForces := wrt.ForcesConst(s.rep)
	if gradPoses == nil || gradVels == nil || gradForces == nil {
		return NewUnknownMappingError(s.rep, wrt.MappingNames())
	}
	stepJacs := s.collectStepJacobians(w)
	dims := s.repDims()
	sd := s.stateDim()
	offsets := s.forceOffsets()

	lambda := mat.NewVecDense(sd, nil)
	for t := s.steps - 1; t >= 0; t-- {
		for i := 0; i < dims.Pos; i++ {
			lambda.SetVec(i, lambda.AtVec(i)+gradPoses.At(i, t))
		}
		for i := 0; i < dims.Vel; i++ {
			lambda.SetVec(dims.Pos+i, lambda.AtVec(dims.Pos+i)+gradVels.At(i, t))
		}
		trans, force := stackState(stepJacs[t])
		if offsets[t] >= 0 {
			var gf mat.VecDense
			gf.MulVec(force.T(), lambda)
			for i := 0; i < dims.Force; i++ {
				grad.SetVec(offsets[t]+i, gf.AtVec(i)+gradForces.At(i, t))
			}
		}
		var next mat.VecDense
		next.MulVec(trans.T(), lambda)
		lambda.CopyVec(&next)
	}
	if s.tuneStartingState {
		for i := 0; i < sd; i++ {
			grad.SetVec(i, lambda.AtVec(i))
		}
	}
	return nil
}

func (s *SingleShot) BackpropJacobian(w dynamics.World, jac *mat.Dense) error {
	if err := checkJacDims(jac, s.ConstraintDim(), s.FlatProblemDim()); err != nil {
		return err
	}
	if s.ConstraintDim() == 0 {
		return nil
	}
	jac.Zero()
	rollout := NewRollout(s, s.logger)
	if err := s.States(w, rollout, true); err != nil {
		return err
	}
	return s.fillCustomConstraintRows(s, w, rollout, func(i int) *mat.VecDense {
		return jac.RowView(i).(*mat.VecDense)
	})
}

func (s *SingleShot) NumberNonZeroJacobian() int {
	return s.ConstraintDim() * s.FlatProblemDim()
}

func (s *SingleShot) JacobianSparsityStructure(rows, cols []int) error {
	nnz := s.NumberNonZeroJacobian()
	if len(rows) != nnz || len(cols) != nnz {
		return NewDimensionMismatchError("sparsity index", nnz, len(rows))
	}
	k := 0
	for r := 0; r < s.ConstraintDim(); r++ {
		for c := 0; c < s.FlatProblemDim(); c++ {
			rows[k], cols[k] = r, c
			k++
		}
	}
	return nil
}

func (s *SingleShot) SparseJacobian(w dynamics.World, values *mat.VecDense) error {
	nnz := s.NumberNonZeroJacobian()
	if values.Len() != nnz {
		return NewDimensionMismatchError("sparse values", nnz, values.Len())
	}
	if nnz == 0 {
		return nil
	}
	jac := mat.NewDense(s.ConstraintDim(), s.FlatProblemDim(), nil)
	if err := s.BackpropJacobian(w, jac); err != nil {
		return err
	}
	k := 0
	for r := 0; r < s.ConstraintDim(); r++ {
		for c := 0; c < s.FlatProblemDim(); c++ {
			values.SetVec(k, jac.At(r, c))
			k++
		}
	}
	return nil
}

// FiniteDifferenceJacobianOfFinalState recomputes the final state Jacobian
// by central differences over the flat vector, restoring the stored decision
// variables afterward.
func (s *SingleShot) FiniteDifferenceJacobianOfFinalState(w dynamics.World, jac *mat.Dense, eps float64) (err error) {
	if err := checkMatDims("final state jacobian", jac, s.stateDim(), s.FlatProblemDim()); err != nil {
		return err
	}
	flat := mat.NewVecDense(s.FlatProblemDim(), nil)
	if err := s.Flatten(flat); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Unflatten(flat))
	}()
	fn, errp := s.finalStateEval(w)
	finitediff.Jacobian(jac, fn, vecData(flat), eps)
	return *errp
}

// RiddersJacobianOfFinalState recomputes the final state Jacobian by Ridders
// extrapolated differences, which converge far past plain central
// differences at the cost of many more rollouts.
func (s *SingleShot) RiddersJacobianOfFinalState(w dynamics.World, jac *mat.Dense) (err error) {
	if err := checkMatDims("final state jacobian", jac, s.stateDim(), s.FlatProblemDim()); err != nil {
		return err
	}
	flat := mat.NewVecDense(s.FlatProblemDim(), nil)
	if err := s.Flatten(flat); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.Unflatten(flat))
	}()
	fn, errp := s.finalStateEval(w)
	finitediff.RiddersJacobian(jac, fn, vecData(flat), riddersShotStep)
	return *errp
}

// finalStateEval adapts this shot to a vector function over flat inputs for
// the finite difference drivers, recording the first evaluation error.
func (s *SingleShot) finalStateEval(w dynamics.World) (func(out, x []float64), *error) {
	var firstErr error
	fn := func(out, x []float64) {
		if err := s.Unflatten(mat.NewVecDense(len(x), x)); err != nil && firstErr == nil {
			firstErr = err
		}
		fs, err := s.FinalState(w)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if fs != nil {
			copy(out, vecData(fs))
		}
	}
	return fn, &firstErr
}

// SwitchRepresentationMapping re-expresses the stored start state and forces
// in another registered mapping and makes it the active representation. The
// conversion routes through the world, so it is exact only when both
// mappings are lossless at the states involved.
func (s *SingleShot) SwitchRepresentationMapping(w dynamics.World, name string) error {
	if err := s.checkMapping(name); err != nil {
		return err
	}
	if name == s.rep {
		return nil
	}
	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	old := s.repMapping()
	next := s.mappings[name]
	old.SetPositions(w, s.startPos)
	old.SetVelocities(w, s.startVel)
	newPos := next.Positions(w)
	newVel := next.Velocities(w)

	newForces := newDense(s.mappingDims[name].Force, s.steps)
	for t := 0; t < s.steps; t++ {
		old.SetForces(w, s.forceAt(t))
		setCol(newForces, t, next.Forces(w))
	}
	newPinned := map[int]*mat.VecDense{}
	for t, value := range s.pinnedForces {
		old.SetForces(w, value)
		newPinned[t] = next.Forces(w)
	}

	s.rep = name
	s.startPos = newPos
	s.startVel = newVel
	s.forces = newForces
	s.pinnedForces = newPinned
	return nil
}

func concatVec(a, b *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(a.Len()+b.Len(), nil)
	for i := 0; i < a.Len(); i++ {
		out.SetVec(i, a.AtVec(i))
	}
	for i := 0; i < b.Len(); i++ {
		out.SetVec(a.Len()+i, b.AtVec(i))
	}
	return out
}

func copyVecInto(dst *mat.VecDense, at int, src *mat.VecDense) int {
	for i := 0; i < src.Len(); i++ {
		dst.SetVec(at+i, src.AtVec(i))
	}
	return at + src.Len()
}

func readVecFrom(src *mat.VecDense, at int, dst *mat.VecDense) int {
	for i := 0; i < dst.Len(); i++ {
		dst.SetVec(i, src.AtVec(at+i))
	}
	return at + dst.Len()
}

func setCol(m *mat.Dense, j int, v *mat.VecDense) {
	for i := 0; i < v.Len(); i++ {
		m.Set(i, j, v.AtVec(i))
	}
}

func vecData(v *mat.VecDense) []float64 {
	return v.RawVector().Data
}

func checkMatDims(what string, m *mat.Dense, wantRows, wantCols int) error {
	r, c := m.Dims()
	if r != wantRows || c != wantCols {
		return errors.Errorf("%s must be %dx%d, got %dx%d", what, wantRows, wantCols, r, c)
	}
	return nil
}

func checkJacDims(jac *mat.Dense, wantRows, wantCols int) error {
	r, c := jac.Dims()
	if r != wantRows || (r > 0 && c != wantCols) {
		return errors.Errorf("jacobian must be %dx%d, got %dx%d", wantRows, wantCols, r, c)
	}
	return nil
}
