package trajopt

import (
	"fmt"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// problemCore holds the configuration shared by every shot type: the
// registered mappings with their captured dims, the active representation,
// the main loss, custom constraints, and metadata. Shots embed it anonymously
// so the bookkeeping accessors are written once.
type problemCore struct {
	steps        int
	massDims     int
	dofNames     []string
	mappings     map[string]Mapping
	mappingDims  map[string]MappingDims
	mappingOrder []string
	rep          string
	loss         *LossFn
	constraints  []*LossFn
	metadata     map[string]*mat.Dense
	logger       golog.Logger
}

func newProblemCore(w dynamics.World, loss *LossFn, steps int, logger golog.Logger) problemCore {
	if loss == nil {
		loss = NewLossFn(nil)
	}
	core := problemCore{
		steps:       steps,
		massDims:    w.MassDims(),
		dofNames:    w.DofNames(),
		mappings:    map[string]Mapping{},
		mappingDims: map[string]MappingDims{},
		rep:         IdentityMappingName,
		loss:        loss,
		metadata:    map[string]*mat.Dense{},
		logger:      logger,
	}
	identity := NewIdentityMapping()
	core.mappings[IdentityMappingName] = identity
	core.mappingDims[IdentityMappingName] = captureDims(w, identity)
	core.mappingOrder = []string{IdentityMappingName}
	return core
}

func captureDims(w dynamics.World, m Mapping) MappingDims {
	return MappingDims{Pos: m.PosDim(w), Vel: m.VelDim(w), Force: m.ForceDim(w)}
}

func (c *problemCore) NumSteps() int {
	return c.steps
}

func (c *problemCore) MassDims() int {
	return c.massDims
}

func (c *problemCore) RepresentationName() string {
	return c.rep
}

func (c *problemCore) MappingNames() []string {
	out := make([]string, len(c.mappingOrder))
	copy(out, c.mappingOrder)
	return out
}

func (c *problemCore) Mapping(name string) (Mapping, bool) {
	m, ok := c.mappings[name]
	return m, ok
}

func (c *problemCore) MappingDims(name string) (MappingDims, bool) {
	d, ok := c.mappingDims[name]
	return d, ok
}

// AddMapping registers a mapping whose view every future rollout will
// record. The identity name is reserved and names must be unique.
func (c *problemCore) AddMapping(w dynamics.World, name string, m Mapping) error {
	if name == IdentityMappingName {
		return ErrIdentityMappingReserved
	}
	if m == nil {
		return errors.Errorf("mapping %q is nil", name)
	}
	if _, ok := c.mappings[name]; ok {
		return NewDuplicateMappingError(name)
	}
	c.mappings[name] = m
	c.mappingDims[name] = captureDims(w, m)
	c.mappingOrder = append(c.mappingOrder, name)
	return nil
}

// AddConstraint appends a custom constraint row. Its bounds come from the
// LossFn's bounds.
func (c *problemCore) AddConstraint(constraint *LossFn) {
	c.constraints = append(c.constraints, constraint)
}

// Metadata returns the metadata template copied into new rollouts.
func (c *problemCore) Metadata() map[string]*mat.Dense {
	return c.metadata
}

// SetMetadata stores an auxiliary matrix under key in the metadata template.
func (c *problemCore) SetMetadata(key string, value *mat.Dense) {
	c.metadata[key] = value
}

func (c *problemCore) checkMapping(name string) error {
	if _, ok := c.mappings[name]; !ok {
		return NewUnknownMappingError(name, c.mappingOrder)
	}
	return nil
}

func (c *problemCore) repMapping() Mapping {
	return c.mappings[c.rep]
}

func (c *problemCore) repDims() MappingDims {
	return c.mappingDims[c.rep]
}

func (c *problemCore) stateDim() int {
	return c.repDims().State()
}

func (c *problemCore) isIdentityRep() bool {
	return c.rep == IdentityMappingName
}

// dimLabel names dimension j of a representation channel of size dim. Dof
// names are only meaningful when the channel coincides with the world's
// native coordinates.
func (c *problemCore) dimLabel(dim, j int) string {
	if dim == len(c.dofNames) && c.isIdentityRep() {
		return c.dofNames[j]
	}
	return fmt.Sprintf("dim %d", j)
}

func (c *problemCore) customConstraintDim() int {
	return len(c.constraints)
}

// fillCustomConstraintValues scores each custom constraint on the rollout,
// writing into the first rows of out.
func (c *problemCore) fillCustomConstraintValues(rollout RolloutReader, out *mat.VecDense) {
	for i, constraint := range c.constraints {
		out.SetVec(i, constraint.Loss(rollout))
	}
}

// fillCustomConstraintBounds writes each custom constraint's bound into the
// first rows of out.
func (c *problemCore) fillCustomConstraintBounds(out *mat.VecDense, upper bool) {
	for i, constraint := range c.constraints {
		if upper {
			out.SetVec(i, constraint.UpperBound())
		} else {
			out.SetVec(i, constraint.LowerBound())
		}
	}
}

// fillCustomConstraintRows computes the flat-space gradient of each custom
// constraint and hands it to rowOut, which returns the destination vector
// for row i.
func (c *problemCore) fillCustomConstraintRows(p Problem, w dynamics.World, rollout RolloutReader, rowOut func(i int) *mat.VecDense) error {
	for i, constraint := range c.constraints {
		gradRollout := NewRollout(p, c.logger)
		constraint.GradientAndLoss(rollout, gradRollout)
		if err := p.BackpropGradientWrt(w, gradRollout, rowOut(i)); err != nil {
			return errors.Wrapf(err, "constraint row %d", i)
		}
	}
	return nil
}
