package trajopt

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// gradientFDEps is the central-difference step used when a loss has no
// analytic gradient.
const gradientFDEps = 1e-7

// TrajectoryLoss scores a recorded trajectory. It must not mutate the
// rollout, which the read-only parameter type enforces.
type TrajectoryLoss func(rollout RolloutReader) float64

// TrajectoryLossAndGrad scores a trajectory and writes the gradient of the
// score with respect to every entry of the active representation's traces
// into gradWrtRollout, returning the score. Entries of gradWrtRollout start
// zeroed.
type TrajectoryLossAndGrad func(rollout RolloutReader, gradWrtRollout Rollout) float64

// LossFn pairs a trajectory loss with an optional analytic gradient and
// bounds. Attached as a problem's loss it is the optimization objective;
// attached as a constraint its bounds box the value the optimizer must keep
// it inside.
type LossFn struct {
	loss        TrajectoryLoss
	lossAndGrad TrajectoryLossAndGrad
	lowerBound  float64
	upperBound  float64
}

// NewLossFn wraps a loss with no analytic gradient. Gradients fall back to
// central differences over the active representation's rollout entries. A
// nil loss scores every trajectory as zero.
func NewLossFn(loss TrajectoryLoss) *LossFn {
	return &LossFn{
		loss:       loss,
		lowerBound: math.Inf(-1),
		upperBound: math.Inf(1),
	}
}

// NewLossFnWithGradient wraps a loss together with its analytic gradient.
func NewLossFnWithGradient(loss TrajectoryLoss, lossAndGrad TrajectoryLossAndGrad) *LossFn {
	fn := NewLossFn(loss)
	fn.lossAndGrad = lossAndGrad
	return fn
}

// SetLowerBound sets the smallest value a constraint built from this loss
// may take.
func (l *LossFn) SetLowerBound(b float64) {
	l.lowerBound = b
}

// SetUpperBound sets the largest value a constraint built from this loss
// may take.
func (l *LossFn) SetUpperBound(b float64) {
	l.upperBound = b
}

func (l *LossFn) LowerBound() float64 {
	return l.lowerBound
}

func (l *LossFn) UpperBound() float64 {
	return l.upperBound
}

// Loss scores the rollout.
func (l *LossFn) Loss(rollout RolloutReader) float64 {
	if l.loss == nil {
		return 0
	}
	return l.loss(rollout)
}

// GradientAndLoss scores the rollout and fills gradWrtRollout with the
// gradient of the score. With no analytic gradient attached, each entry of
// the active representation's pose, velocity, and force traces is perturbed
// by gradientFDEps in turn; other mappings' gradient traces are left zero,
// matching what the shooting layer reads back.
func (l *LossFn) GradientAndLoss(rollout RolloutReader, gradWrtRollout Rollout) float64 {
	for _, name := range gradWrtRollout.MappingNames() {
		gradWrtRollout.Poses(name).Zero()
		gradWrtRollout.Vels(name).Zero()
		gradWrtRollout.Forces(name).Zero()
	}
	if l.lossAndGrad != nil {
		return l.lossAndGrad(rollout, gradWrtRollout)
	}
	if l.loss == nil {
		return 0
	}

	scratch := rollout.Copy()
	rep := rollout.RepresentationName()
	traces := []struct {
		in  *mat.Dense
		out *mat.Dense
	}{
		{scratch.Poses(rep), gradWrtRollout.Poses(rep)},
		{scratch.Vels(rep), gradWrtRollout.Vels(rep)},
		{scratch.Forces(rep), gradWrtRollout.Forces(rep)},
	}
	for _, trace := range traces {
		rows, cols := trace.in.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				orig := trace.in.At(i, j)
				trace.in.Set(i, j, orig+gradientFDEps)
				plus := l.loss(scratch)
				trace.in.Set(i, j, orig-gradientFDEps)
				minus := l.loss(scratch)
				trace.in.Set(i, j, orig)
				trace.out.Set(i, j, (plus-minus)/(2*gradientFDEps))
			}
		}
	}
	return l.loss(rollout)
}
