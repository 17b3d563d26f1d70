package optimizer

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"go.uber.org/multierr"
)

// Record is one objective evaluation during a solve.
type Record struct {
	// X is the flat decision vector the solver evaluated.
	X []float64
	// Loss is the problem loss at X, without any solver-internal penalty.
	Loss float64
	// ConstraintNorm is the Euclidean distance of the constraint values from
	// their bounds, zero when feasible.
	ConstraintNorm float64
	// Duration is the wall-clock time since the previous evaluation.
	Duration time.Duration
}

// Solution is the outcome of one solve: the solver's final point and status
// plus a record of every objective evaluation along the way.
type Solution struct {
	ID      uuid.UUID
	Status  string
	Records []Record
	X       []float64
	Loss    float64
	Elapsed time.Duration

	clk      clock.Clock
	started  time.Time
	lastEval time.Time
}

func newSolution(clk clock.Clock) *Solution {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Solution{ID: uuid.New(), clk: clk, started: now, lastEval: now}
}

// record appends one evaluation snapshot. x is copied.
func (s *Solution) record(x []float64, loss, constraintNorm float64) {
	now := s.clk.Now()
	s.Records = append(s.Records, Record{
		X:              append([]float64(nil), x...),
		Loss:           loss,
		ConstraintNorm: constraintNorm,
		Duration:       now.Sub(s.lastEval),
	})
	s.lastEval = now
}

func (s *Solution) finish(x []float64, loss float64, status string) {
	s.X = append([]float64(nil), x...)
	s.Loss = loss
	s.Status = status
	s.Elapsed = s.clk.Now().Sub(s.started)
}

// Best returns the lowest-loss record, preferring records with the smaller
// constraint norm when losses tie.
func (s *Solution) Best() (Record, bool) {
	if len(s.Records) == 0 {
		return Record{}, false
	}
	best := 0
	for i, r := range s.Records {
		cur := s.Records[best]
		if r.Loss < cur.Loss || (r.Loss == cur.Loss && r.ConstraintNorm < cur.ConstraintNorm) {
			best = i
		}
	}
	return s.Records[best], true
}

// LogTimingSummary logs per-evaluation timing statistics at debug level.
func (s *Solution) LogTimingSummary(logger golog.Logger) {
	if len(s.Records) == 0 {
		return
	}
	durations := make([]float64, len(s.Records))
	for i, r := range s.Records {
		durations[i] = float64(r.Duration.Microseconds())
	}
	mean, meanErr := stats.Mean(durations)
	p50, p50Err := stats.Percentile(durations, 50)
	p95, p95Err := stats.Percentile(durations, 95)
	if err := multierr.Combine(meanErr, p50Err, p95Err); err != nil {
		logger.Debugw("evaluation timing summary unavailable", "error", err)
		return
	}
	logger.Debugw("solve evaluation timing",
		"id", s.ID,
		"evals", len(s.Records),
		"mean_us", mean,
		"p50_us", p50,
		"p95_us", p95,
		"elapsed", s.Elapsed,
	)
}
