package optimizer

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// default values for solver options.
const (
	// Number of solver evaluations before giving up.
	defaultMaxIterations = 500

	// Convergence and feasibility tolerance handed to the solver.
	defaultTolerance = 1e-6

	// Gradient disagreements above this are logged by the derivative check.
	defaultDerivativeCheckTolerance = 1e-4
)

// DefaultOptions returns the settings solvers start from.
func DefaultOptions() *Options {
	opt := &Options{}
	opt.MaxIterations = defaultMaxIterations
	opt.Tolerance = defaultTolerance
	opt.DerivativeCheckTolerance = defaultDerivativeCheckTolerance
	opt.RecoverBest = true
	return opt
}

// Options are a set of options to be passed to an optimizer which specify
// how to run the solve.
type Options struct {
	// Max number of objective evaluations before the solver returns whatever
	// it has.
	MaxIterations int `json:"max_iterations"`

	// Convergence tolerance on the objective and iterates, also used as the
	// feasibility threshold when recovering the best iterate.
	Tolerance float64 `json:"tolerance"`

	// Compare the analytic gradient against finite differences at the
	// initial guess before solving.
	CheckDerivatives bool `json:"check_derivatives"`

	// Gradient disagreements above this are logged as warnings by the
	// derivative check.
	DerivativeCheckTolerance float64 `json:"derivative_check_tolerance"`

	// After the solver returns, put the best recorded iterate back into the
	// problem rather than trusting the solver's final point.
	RecoverBest bool `json:"recover_best"`

	// Evaluate multi-shot problems with per-shot concurrency during the
	// solve.
	Parallel bool `json:"parallel"`
}

// OptionsFromExtra returns default options updated by overridden parameters
// found in an untyped configuration map.
func OptionsFromExtra(extra map[string]interface{}) (*Options, error) {
	opt := DefaultOptions()

	jsonString, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(jsonString, opt)
	if err != nil {
		return nil, err
	}

	if opt.MaxIterations <= 0 {
		return nil, errors.New("max_iterations must be positive")
	}
	if opt.Tolerance <= 0 {
		return nil, errors.New("tolerance must be positive")
	}
	if opt.DerivativeCheckTolerance <= 0 {
		return nil, errors.New("derivative_check_tolerance must be positive")
	}

	return opt, nil
}
