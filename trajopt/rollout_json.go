package trajopt

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/trajkit/trajkit/dynamics"
)

// bodyTrace is one body's world-frame motion over a rollout, positions and
// Euler XYZ orientations per timestep.
type bodyTrace struct {
	PosX []float64 `json:"pos_x"`
	PosY []float64 `json:"pos_y"`
	PosZ []float64 `json:"pos_z"`
	RotX []float64 `json:"rot_x"`
	RotY []float64 `json:"rot_y"`
	RotZ []float64 `json:"rot_z"`
}

// WriteRolloutJSON writes the rollout as JSON keyed by "<model>.<body>", one
// trace per body, replaying the identity trace through the world's forward
// kinematics. The world is restored before returning.
func WriteRolloutJSON(dst io.Writer, r RolloutReader, w dynamics.World) error {
	poses := r.PosesConst(IdentityMappingName)
	if poses == nil {
		return NewUnknownMappingError(IdentityMappingName, r.MappingNames())
	}
	rows, _ := poses.Dims()
	if rows != w.NumDofs() {
		return NewDimensionMismatchError("identity pose trace", w.NumDofs(), rows)
	}

	snap := dynamics.TakeSnapshot(w)
	defer snap.RestoreTo(w)

	bodies := w.BodyNames()
	traces := make(map[string]*bodyTrace, len(bodies))
	for _, body := range bodies {
		traces[w.ModelName()+"."+body] = &bodyTrace{
			PosX: make([]float64, 0, r.Steps()),
			PosY: make([]float64, 0, r.Steps()),
			PosZ: make([]float64, 0, r.Steps()),
			RotX: make([]float64, 0, r.Steps()),
			RotY: make([]float64, 0, r.Steps()),
			RotZ: make([]float64, 0, r.Steps()),
		}
	}

	q := mat.NewVecDense(rows, nil)
	for t := 0; t < r.Steps(); t++ {
		for i := 0; i < rows; i++ {
			q.SetVec(i, poses.At(i, t))
		}
		w.SetPositions(q)
		for _, body := range bodies {
			pose, err := w.BodyPose(body)
			if err != nil {
				return errors.Wrapf(err, "timestep %d", t)
			}
			trace := traces[w.ModelName()+"."+body]
			point := pose.Point()
			angles := pose.EulerXYZ()
			trace.PosX = append(trace.PosX, point.X)
			trace.PosY = append(trace.PosY, point.Y)
			trace.PosZ = append(trace.PosZ, point.Z)
			trace.RotX = append(trace.RotX, angles.X)
			trace.RotY = append(trace.RotY, angles.Y)
			trace.RotZ = append(trace.RotZ, angles.Z)
		}
	}

	enc := json.NewEncoder(dst)
	return errors.Wrap(enc.Encode(traces), "encoding rollout")
}
