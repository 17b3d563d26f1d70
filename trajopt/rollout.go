package trajopt

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RolloutReader is the read-only view of a recorded trajectory. It exposes
// per-mapping pose, velocity, and force traces plus the inertial parameters
// and metadata the trajectory was produced under, without any way to write
// them. Loss functions take a RolloutReader so they cannot corrupt the
// trajectory they are scoring.
type RolloutReader interface {
	// Steps is the number of recorded timesteps.
	Steps() int
	// RepresentationName names the mapping the decision variables live in.
	RepresentationName() string
	// MappingNames lists the recorded mappings in registration order.
	MappingNames() []string

	// PosesConst returns the mappedPosDim x steps pose trace for the named
	// mapping, column t holding the state after step t. Unknown names log a
	// warning and return nil.
	PosesConst(mapping string) mat.Matrix
	VelsConst(mapping string) mat.Matrix
	ForcesConst(mapping string) mat.Matrix
	// MassesConst returns the inertial parameter vector the rollout was
	// recorded under. It has length zero when the world exposes none.
	MassesConst() mat.Vector

	// Metadata looks up an auxiliary matrix by key. The second return
	// distinguishes a missing key from a stored nil.
	Metadata(key string) (*mat.Dense, bool)
	MetadataKeys() []string

	// SliceConst returns a read-only window of length timesteps starting at
	// start. The window aliases this rollout's storage.
	SliceConst(start, length int) RolloutReader

	// Copy returns an owning deep copy.
	Copy() *RolloutData
}

// Rollout extends RolloutReader with mutable access. The matrix accessors
// return the backing matrices, so writes land in the rollout directly.
type Rollout interface {
	RolloutReader

	Poses(mapping string) *mat.Dense
	Vels(mapping string) *mat.Dense
	Forces(mapping string) *mat.Dense
	Masses() *mat.VecDense

	SetMetadata(key string, value *mat.Dense)

	// Slice returns a mutable window of length timesteps starting at start,
	// aliasing this rollout's storage.
	Slice(start, length int) Rollout
}

// RolloutData is the concrete rollout storage. Values from NewRollout own
// their matrices; values from Slice alias a parent's columns, the same
// convention gonum's Dense.Slice uses. Masses and metadata are shared
// between a rollout and its slices.
type RolloutData struct {
	representation string
	steps          int
	order          []string
	poses          map[string]*mat.Dense
	vels           map[string]*mat.Dense
	forces         map[string]*mat.Dense
	masses         *mat.VecDense
	metadata       map[string]*mat.Dense
	logger         golog.Logger
}

// NewRollout allocates a zeroed rollout sized for one full horizon of the
// given problem, with one trace per registered mapping and a deep copy of
// the problem's metadata.
func NewRollout(p Problem, logger golog.Logger) *RolloutData {
	r := &RolloutData{
		representation: p.RepresentationName(),
		steps:          p.NumSteps(),
		order:          p.MappingNames(),
		poses:          map[string]*mat.Dense{},
		vels:           map[string]*mat.Dense{},
		forces:         map[string]*mat.Dense{},
		masses:         newVecDense(p.MassDims()),
		metadata:       map[string]*mat.Dense{},
		logger:         logger,
	}
	for _, name := range r.order {
		dims, _ := p.MappingDims(name)
		r.poses[name] = newDense(dims.Pos, r.steps)
		r.vels[name] = newDense(dims.Vel, r.steps)
		r.forces[name] = newDense(dims.Force, r.steps)
	}
	for key, value := range p.Metadata() {
		if value != nil {
			value = mat.DenseCopyOf(value)
		}
		r.metadata[key] = value
	}
	return r
}

// NewCustomRollout allocates a rollout with explicitly chosen mappings, for
// callers that score trajectories produced outside a problem. Mappings are
// ordered by name. The representation must be one of the given mappings.
func NewCustomRollout(representation string, dims map[string]MappingDims, steps, massDims int, logger golog.Logger) (*RolloutData, error) {
	if steps <= 0 {
		return nil, errors.Errorf("rollout needs at least one timestep, got %d", steps)
	}
	if _, ok := dims[representation]; !ok {
		names := make([]string, 0, len(dims))
		for name := range dims {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, NewUnknownMappingError(representation, names)
	}
	r := &RolloutData{
		representation: representation,
		steps:          steps,
		poses:          map[string]*mat.Dense{},
		vels:           map[string]*mat.Dense{},
		forces:         map[string]*mat.Dense{},
		masses:         newVecDense(massDims),
		metadata:       map[string]*mat.Dense{},
		logger:         logger,
	}
	for name := range dims {
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	for _, name := range r.order {
		d := dims[name]
		r.poses[name] = newDense(d.Pos, steps)
		r.vels[name] = newDense(d.Vel, steps)
		r.forces[name] = newDense(d.Force, steps)
	}
	return r, nil
}

func newVecDense(n int) *mat.VecDense {
	if n == 0 {
		return &mat.VecDense{}
	}
	return mat.NewVecDense(n, nil)
}

func newDense(r, c int) *mat.Dense {
	if r == 0 || c == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(r, c, nil)
}

func (r *RolloutData) Steps() int {
	return r.steps
}

func (r *RolloutData) RepresentationName() string {
	return r.representation
}

func (r *RolloutData) MappingNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *RolloutData) lookup(kind string, traces map[string]*mat.Dense, mapping string) *mat.Dense {
	if m, ok := traces[mapping]; ok {
		return m
	}
	r.logger.Warnw("rollout queried for unknown mapping",
		"kind", kind, "mapping", mapping, "known", r.order)
	return nil
}

func (r *RolloutData) Poses(mapping string) *mat.Dense {
	return r.lookup("poses", r.poses, mapping)
}

func (r *RolloutData) Vels(mapping string) *mat.Dense {
	return r.lookup("vels", r.vels, mapping)
}

func (r *RolloutData) Forces(mapping string) *mat.Dense {
	return r.lookup("forces", r.forces, mapping)
}

func (r *RolloutData) Masses() *mat.VecDense {
	return r.masses
}

func (r *RolloutData) PosesConst(mapping string) mat.Matrix {
	if m := r.Poses(mapping); m != nil {
		return m
	}
	return nil
}

func (r *RolloutData) VelsConst(mapping string) mat.Matrix {
	if m := r.Vels(mapping); m != nil {
		return m
	}
	return nil
}

func (r *RolloutData) ForcesConst(mapping string) mat.Matrix {
	if m := r.Forces(mapping); m != nil {
		return m
	}
	return nil
}

func (r *RolloutData) MassesConst() mat.Vector {
	return r.masses
}

func (r *RolloutData) Metadata(key string) (*mat.Dense, bool) {
	value, ok := r.metadata[key]
	return value, ok
}

func (r *RolloutData) MetadataKeys() []string {
	keys := make([]string, 0, len(r.metadata))
	for key := range r.metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (r *RolloutData) SetMetadata(key string, value *mat.Dense) {
	r.metadata[key] = value
}

// Slice returns a window over timesteps [start, start+length). The returned
// rollout aliases this one's matrices and shares its masses and metadata.
func (r *RolloutData) Slice(start, length int) Rollout {
	if start < 0 || length < 0 || start+length > r.steps {
		r.logger.Panicw("rollout slice out of range",
			"start", start, "length", length, "steps", r.steps)
	}
	s := &RolloutData{
		representation: r.representation,
		steps:          length,
		order:          r.order,
		poses:          map[string]*mat.Dense{},
		vels:           map[string]*mat.Dense{},
		forces:         map[string]*mat.Dense{},
		masses:         r.masses,
		metadata:       r.metadata,
		logger:         r.logger,
	}
	for _, name := range r.order {
		s.poses[name] = sliceCols(r.poses[name], start, length)
		s.vels[name] = sliceCols(r.vels[name], start, length)
		s.forces[name] = sliceCols(r.forces[name], start, length)
	}
	return s
}

func (r *RolloutData) SliceConst(start, length int) RolloutReader {
	return r.Slice(start, length)
}

func sliceCols(m *mat.Dense, start, length int) *mat.Dense {
	rows, _ := m.Dims()
	if rows == 0 {
		return &mat.Dense{}
	}
	return m.Slice(0, rows, start, start+length).(*mat.Dense)
}

// Copy returns an owning deep copy, including masses and metadata.
func (r *RolloutData) Copy() *RolloutData {
	c := &RolloutData{
		representation: r.representation,
		steps:          r.steps,
		order:          append([]string(nil), r.order...),
		poses:          map[string]*mat.Dense{},
		vels:           map[string]*mat.Dense{},
		forces:         map[string]*mat.Dense{},
		masses:         copyVecDense(r.masses),
		metadata:       map[string]*mat.Dense{},
		logger:         r.logger,
	}
	for _, name := range r.order {
		c.poses[name] = mat.DenseCopyOf(r.poses[name])
		c.vels[name] = mat.DenseCopyOf(r.vels[name])
		c.forces[name] = mat.DenseCopyOf(r.forces[name])
	}
	for key, value := range r.metadata {
		if value != nil {
			value = mat.DenseCopyOf(value)
		}
		c.metadata[key] = value
	}
	return c
}

func copyVecDense(v *mat.VecDense) *mat.VecDense {
	if v.Len() == 0 {
		return &mat.VecDense{}
	}
	return mat.VecDenseCopyOf(v)
}
