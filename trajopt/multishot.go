package trajopt

import (
	"fmt"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// MultiShot cuts a horizon into consecutive single shots of at most
// shotLength timesteps. Every shot after the first gets its own tunable
// start state, and adjacent shots are stitched together by knot constraints
// that force each shot's rollout to end where the next one starts. The flat
// vector is the shots' flat vectors concatenated in order.
//
// Because each shot rolls out from its own start state, per-shot work can
// run on independent cloned worlds. SetParallelOperationsEnabled switches
// the per-shot fan-out between sequential and concurrent execution; both
// produce bitwise identical results.
type MultiShot struct {
	problemCore

	shotLength int
	shots      []*SingleShot
	parallel   bool
}

// NewMultiShot partitions steps timesteps into shots of shotLength, with a
// shorter final shot when shotLength does not divide steps. The world's
// current state seeds every shot's start state. tuneStartingState only
// governs the first shot; later shots always tune theirs.
func NewMultiShot(w dynamics.World, loss *LossFn, steps, shotLength int, tuneStartingState bool, logger golog.Logger) (*MultiShot, error) {
	if w == nil {
		return nil, errors.New("shot needs a world")
	}
	if steps <= 0 {
		return nil, errors.Errorf("shot needs at least one timestep, got %d", steps)
	}
	if shotLength <= 0 {
		return nil, errors.Errorf("shot length must be positive, got %d", shotLength)
	}
	m := &MultiShot{
		problemCore: newProblemCore(w, loss, steps, logger),
		shotLength:  shotLength,
	}
	remaining := steps
	for remaining > 0 {
		length := shotLength
		if remaining < length {
			length = remaining
		}
		tune := tuneStartingState || len(m.shots) > 0
		shot, err := NewSingleShot(w, nil, length, tune, logger)
		if err != nil {
			return nil, err
		}
		m.shots = append(m.shots, shot)
		remaining -= length
	}
	return m, nil
}

// NumShots is the number of segments the horizon was cut into.
func (m *MultiShot) NumShots() int {
	return len(m.shots)
}

// TunesStartingState reports whether the first shot's start state is
// tunable. Later shots always tune theirs.
func (m *MultiShot) TunesStartingState() bool {
	return m.shots[0].TunesStartingState()
}

// SetParallelOperationsEnabled toggles concurrent per-shot evaluation on
// cloned worlds.
func (m *MultiShot) SetParallelOperationsEnabled(enabled bool) {
	m.parallel = enabled
}

// AddMapping registers the mapping on this problem and every shot.
func (m *MultiShot) AddMapping(w dynamics.World, name string, mapping Mapping) error {
	if err := m.problemCore.AddMapping(w, name, mapping); err != nil {
		return err
	}
	for i, shot := range m.shots {
		if err := shot.AddMapping(w, name, mapping); err != nil {
			return errors.Wrapf(err, "shot %d", i)
		}
	}
	return nil
}

// SwitchRepresentationMapping re-expresses every shot in the named mapping
// and makes it the active representation.
func (m *MultiShot) SwitchRepresentationMapping(w dynamics.World, name string) error {
	if err := m.checkMapping(name); err != nil {
		return err
	}
	if name == m.rep {
		return nil
	}
	for i, shot := range m.shots {
		if err := shot.SwitchRepresentationMapping(w, name); err != nil {
			return errors.Wrapf(err, "shot %d", i)
		}
	}
	m.rep = name
	return nil
}

// PinForce pins the force at horizon timestep t, routing to the owning shot.
func (m *MultiShot) PinForce(t int, value *mat.VecDense) error {
	if t < 0 || t >= m.steps {
		return NewOutOfRangeError("timestep", t, m.steps)
	}
	starts := m.shotStepOffsets()
	for i := len(m.shots) - 1; i >= 0; i-- {
		if t >= starts[i] {
			return m.shots[i].PinForce(t-starts[i], value)
		}
	}
	return NewOutOfRangeError("timestep", t, m.steps)
}

// shotStepOffsets maps shot index to its first horizon timestep.
func (m *MultiShot) shotStepOffsets() []int {
	out := make([]int, len(m.shots))
	cum := 0
	for i, shot := range m.shots {
		out[i] = cum
		cum += shot.NumSteps()
	}
	return out
}

// shotColOffsets maps shot index to its first flat vector column.
func (m *MultiShot) shotColOffsets() []int {
	out := make([]int, len(m.shots))
	cum := 0
	for i, shot := range m.shots {
		out[i] = cum
		cum += shot.FlatProblemDim()
	}
	return out
}

// forEachShot runs fn once per shot. With parallel operations enabled each
// shot runs on its own goroutine against a fresh clone of w; results are
// bitwise identical to the sequential path because every shot's computation
// is independent and writes to disjoint output regions.
func (m *MultiShot) forEachShot(w dynamics.World, fn func(i int, sw dynamics.World) error) error {
	if !m.parallel {
		for i := range m.shots {
			if err := fn(i, w); err != nil {
				return err
			}
		}
		return nil
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all error
	for i := range m.shots {
		i := i
		sw := w.Clone()
		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			if err := fn(i, sw); err != nil {
				mu.Lock()
				all = multierr.Combine(all, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return all
}

func (m *MultiShot) FlatProblemDim() int {
	dim := 0
	for _, shot := range m.shots {
		dim += shot.FlatProblemDim()
	}
	return dim
}

func (m *MultiShot) checkFlat(flat *mat.VecDense) error {
	if flat.Len() != m.FlatProblemDim() {
		return NewDimensionMismatchError("flat vector", m.FlatProblemDim(), flat.Len())
	}
	return nil
}

// eachSegment hands each shot its aliased window of flat.
func (m *MultiShot) eachSegment(flat *mat.VecDense, fn func(shot *SingleShot, seg *mat.VecDense) error) error {
	if err := m.checkFlat(flat); err != nil {
		return err
	}
	cols := m.shotColOffsets()
	for i, shot := range m.shots {
		dim := shot.FlatProblemDim()
		if dim == 0 {
			continue
		}
		seg := flat.SliceVec(cols[i], cols[i]+dim).(*mat.VecDense)
		if err := fn(shot, seg); err != nil {
			return errors.Wrapf(err, "shot %d", i)
		}
	}
	return nil
}

func (m *MultiShot) Flatten(flat *mat.VecDense) error {
	return m.eachSegment(flat, func(shot *SingleShot, seg *mat.VecDense) error {
		return shot.Flatten(seg)
	})
}

func (m *MultiShot) Unflatten(flat *mat.VecDense) error {
	return m.eachSegment(flat, func(shot *SingleShot, seg *mat.VecDense) error {
		return shot.Unflatten(seg)
	})
}

func (m *MultiShot) InitialGuess(flat *mat.VecDense) error {
	return m.Flatten(flat)
}

func (m *MultiShot) UpperBounds(w dynamics.World, flat *mat.VecDense) error {
	return m.eachSegment(flat, func(shot *SingleShot, seg *mat.VecDense) error {
		return shot.UpperBounds(w, seg)
	})
}

func (m *MultiShot) LowerBounds(w dynamics.World, flat *mat.VecDense) error {
	return m.eachSegment(flat, func(shot *SingleShot, seg *mat.VecDense) error {
		return shot.LowerBounds(w, seg)
	})
}

func (m *MultiShot) FlatDimName(i int) string {
	if i < 0 || i >= m.FlatProblemDim() {
		return flatDimNameOOB
	}
	for idx, shot := range m.shots {
		dim := shot.FlatProblemDim()
		if i < dim {
			return fmt.Sprintf("Shot %d %s", idx, shot.FlatDimName(i))
		}
		i -= dim
	}
	return flatDimNameOOB
}

// knotDim is the number of knot constraint rows.
func (m *MultiShot) knotDim() int {
	return m.stateDim() * (len(m.shots) - 1)
}

func (m *MultiShot) ConstraintDim() int {
	return m.customConstraintDim() + m.knotDim()
}

// ComputeConstraints writes the custom constraint values followed by each
// knot's defect, the previous shot's rolled-out final state minus the next
// shot's stored start state.
func (m *MultiShot) ComputeConstraints(w dynamics.World, out *mat.VecDense) error {
	if out.Len() != m.ConstraintDim() {
		return NewDimensionMismatchError("constraint vector", m.ConstraintDim(), out.Len())
	}
	nCustom := m.customConstraintDim()
	if nCustom > 0 {
		rollout := NewRollout(m, m.logger)
		if err := m.States(w, rollout, true); err != nil {
			return err
		}
		m.fillCustomConstraintValues(rollout, out)
	}
	sd := m.stateDim()
	return m.forEachShot(w, func(i int, sw dynamics.World) error {
		if i == len(m.shots)-1 {
			return nil
		}
		final, err := m.shots[i].FinalState(sw)
		if err != nil {
			return errors.Wrapf(err, "shot %d final state", i)
		}
		start := m.shots[i+1].StartState()
		base := nCustom + i*sd
		for d := 0; d < sd; d++ {
			out.SetVec(base+d, final.AtVec(d)-start.AtVec(d))
		}
		return nil
	})
}

func (m *MultiShot) constraintBounds(out *mat.VecDense, upper bool) error {
	if out.Len() != m.ConstraintDim() {
		return NewDimensionMismatchError("constraint vector", m.ConstraintDim(), out.Len())
	}
	m.fillCustomConstraintBounds(out, upper)
	for i := m.customConstraintDim(); i < out.Len(); i++ {
		out.SetVec(i, 0)
	}
	return nil
}

func (m *MultiShot) ConstraintUpperBounds(out *mat.VecDense) error {
	return m.constraintBounds(out, true)
}

func (m *MultiShot) ConstraintLowerBounds(out *mat.VecDense) error {
	return m.constraintBounds(out, false)
}

// States fills the rollout for the whole horizon. With useKnots each shot
// rolls out independently from its own start state into its own column
// window, which is what the loss and constraints see during optimization.
// Without useKnots the first shot's start state is rolled through the entire
// horizon under all stored forces, the physically consistent trajectory a
// solved problem is read out with.
func (m *MultiShot) States(w dynamics.World, rollout Rollout, useKnots bool) error {
	if rollout.Steps() != m.steps {
		return NewDimensionMismatchError("rollout steps", m.steps, rollout.Steps())
	}
	rollout.Masses().CopyVec(w.MassParams())
	if useKnots {
		starts := m.shotStepOffsets()
		return m.forEachShot(w, func(i int, sw dynamics.World) error {
			shot := m.shots[i]
			return shot.statesInto(sw, rollout.Slice(starts[i], shot.NumSteps()))
		})
	}

	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	rep := m.repMapping()
	rep.SetPositions(w, m.shots[0].startPos)
	rep.SetVelocities(w, m.shots[0].startVel)
	col := 0
	for _, shot := range m.shots {
		for t := 0; t < shot.steps; t++ {
			rep.SetForces(w, shot.forceAt(t))
			w.Step()
			for _, name := range m.mappingOrder {
				mp := m.mappings[name]
				if dst := rollout.Poses(name); dst != nil {
					setCol(dst, col, mp.Positions(w))
				}
				if dst := rollout.Vels(name); dst != nil {
					setCol(dst, col, mp.Velocities(w))
				}
				if dst := rollout.Forces(name); dst != nil {
					setCol(dst, col, mp.Forces(w))
				}
			}
			col++
		}
	}
	return nil
}

func (m *MultiShot) Loss(w dynamics.World) float64 {
	rollout := NewRollout(m, m.logger)
	if err := m.States(w, rollout, true); err != nil {
		m.logger.Errorw("rollout failed while computing loss", "error", err)
		return math.NaN()
	}
	return m.loss.Loss(rollout)
}

func (m *MultiShot) BackpropGradient(w dynamics.World, grad *mat.VecDense) error {
	if err := m.checkFlat(grad); err != nil {
		return err
	}
	rollout := NewRollout(m, m.logger)
	if err := m.States(w, rollout, true); err != nil {
		return err
	}
	gradRollout := NewRollout(m, m.logger)
	m.loss.GradientAndLoss(rollout, gradRollout)
	return m.BackpropGradientWrt(w, gradRollout, grad)
}

// BackpropGradientWrt splits the rollout gradient at shot boundaries and
// lets each shot backpropagate its own window into its own flat segment.
func (m *MultiShot) BackpropGradientWrt(w dynamics.World, wrt RolloutReader, grad *mat.VecDense) error {
	if err := m.checkFlat(grad); err != nil {
		return err
	}
	if wrt.Steps() != m.steps {
		return NewDimensionMismatchError("gradient rollout steps", m.steps, wrt.Steps())
	}
	starts := m.shotStepOffsets()
	cols := m.shotColOffsets()
	return m.forEachShot(w, func(i int, sw dynamics.World) error {
		shot := m.shots[i]
		dim := shot.FlatProblemDim()
		if dim == 0 {
			return nil
		}
		seg := grad.SliceVec(cols[i], cols[i]+dim).(*mat.VecDense)
		sub := wrt.SliceConst(starts[i], shot.NumSteps())
		return errors.Wrapf(shot.BackpropGradientWrt(sw, sub, seg), "shot %d", i)
	})
}

// BackpropJacobian writes the dense constraint Jacobian: custom rows on top,
// then per knot the previous shot's final state Jacobian at that shot's
// columns and a negated identity at the next shot's start state columns.
func (m *MultiShot) BackpropJacobian(w dynamics.World, jac *mat.Dense) error {
	if err := checkJacDims(jac, m.ConstraintDim(), m.FlatProblemDim()); err != nil {
		return err
	}
	if m.ConstraintDim() == 0 {
		return nil
	}
	jac.Zero()
	nCustom := m.customConstraintDim()
	if nCustom > 0 {
		rollout := NewRollout(m, m.logger)
		if err := m.States(w, rollout, true); err != nil {
			return err
		}
		err := m.fillCustomConstraintRows(m, w, rollout, func(i int) *mat.VecDense {
			return jac.RowView(i).(*mat.VecDense)
		})
		if err != nil {
			return err
		}
	}
	sd := m.stateDim()
	cols := m.shotColOffsets()
	return m.forEachShot(w, func(i int, sw dynamics.World) error {
		if i == len(m.shots)-1 {
			return nil
		}
		rowStart := nCustom + i*sd
		prev := m.shots[i]
		if prev.FlatProblemDim() > 0 {
			block := jac.Slice(rowStart, rowStart+sd, cols[i], cols[i]+prev.FlatProblemDim()).(*mat.Dense)
			if err := prev.BackpropJacobianOfFinalState(sw, block); err != nil {
				return errors.Wrapf(err, "shot %d final state jacobian", i)
			}
		}
		for d := 0; d < sd; d++ {
			jac.Set(rowStart+d, cols[i+1]+d, -1)
		}
		return nil
	})
}

// NumberNonZeroJacobian counts the sparse encoding's entries: custom rows
// are dense, and each knot contributes the previous shot's dense block plus
// a negated identity diagonal.
func (m *MultiShot) NumberNonZeroJacobian() int {
	nnz := m.customConstraintDim() * m.FlatProblemDim()
	sd := m.stateDim()
	for i := 0; i < len(m.shots)-1; i++ {
		nnz += m.shots[i].FlatProblemDim()*sd + sd
	}
	return nnz
}

// knotValueOffset is the position of knot i's entries in the sparse value
// ordering.
func (m *MultiShot) knotValueOffset(i int) int {
	off := m.customConstraintDim() * m.FlatProblemDim()
	sd := m.stateDim()
	for k := 0; k < i; k++ {
		off += m.shots[k].FlatProblemDim()*sd + sd
	}
	return off
}

// JacobianSparsityStructure writes entry coordinates in value order: custom
// rows first in row-major order, then per knot the previous shot's block in
// column-major order followed by the negated identity diagonal.
func (m *MultiShot) JacobianSparsityStructure(rows, cols []int) error {
	nnz := m.NumberNonZeroJacobian()
	if len(rows) != nnz || len(cols) != nnz {
		return NewDimensionMismatchError("sparsity index", nnz, len(rows))
	}
	k := 0
	flatDim := m.FlatProblemDim()
	for r := 0; r < m.customConstraintDim(); r++ {
		for c := 0; c < flatDim; c++ {
			rows[k], cols[k] = r, c
			k++
		}
	}
	sd := m.stateDim()
	nCustom := m.customConstraintDim()
	colOffsets := m.shotColOffsets()
	for i := 0; i < len(m.shots)-1; i++ {
		rowStart := nCustom + i*sd
		prevDim := m.shots[i].FlatProblemDim()
		for c := 0; c < prevDim; c++ {
			for r := 0; r < sd; r++ {
				rows[k], cols[k] = rowStart+r, colOffsets[i]+c
				k++
			}
		}
		for d := 0; d < sd; d++ {
			rows[k], cols[k] = rowStart+d, colOffsets[i+1]+d
			k++
		}
	}
	return nil
}

// SparseJacobian writes entry values in the order JacobianSparsityStructure
// declares.
func (m *MultiShot) SparseJacobian(w dynamics.World, values *mat.VecDense) error {
	nnz := m.NumberNonZeroJacobian()
	if values.Len() != nnz {
		return NewDimensionMismatchError("sparse values", nnz, values.Len())
	}
	nCustom := m.customConstraintDim()
	flatDim := m.FlatProblemDim()
	if nCustom > 0 {
		rollout := NewRollout(m, m.logger)
		if err := m.States(w, rollout, true); err != nil {
			return err
		}
		customRows := mat.NewDense(nCustom, flatDim, nil)
		err := m.fillCustomConstraintRows(m, w, rollout, func(i int) *mat.VecDense {
			return customRows.RowView(i).(*mat.VecDense)
		})
		if err != nil {
			return err
		}
		k := 0
		for r := 0; r < nCustom; r++ {
			for c := 0; c < flatDim; c++ {
				values.SetVec(k, customRows.At(r, c))
				k++
			}
		}
	}
	sd := m.stateDim()
	return m.forEachShot(w, func(i int, sw dynamics.World) error {
		if i == len(m.shots)-1 {
			return nil
		}
		prev := m.shots[i]
		prevDim := prev.FlatProblemDim()
		off := m.knotValueOffset(i)
		if prevDim > 0 {
			block := mat.NewDense(sd, prevDim, nil)
			if err := prev.BackpropJacobianOfFinalState(sw, block); err != nil {
				return errors.Wrapf(err, "shot %d final state jacobian", i)
			}
			for c := 0; c < prevDim; c++ {
				for r := 0; r < sd; r++ {
					values.SetVec(off+c*sd+r, block.At(r, c))
				}
			}
		}
		for d := 0; d < sd; d++ {
			values.SetVec(off+prevDim*sd+d, -1)
		}
		return nil
	})
}
