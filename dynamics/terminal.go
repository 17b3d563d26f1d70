package dynamics

// TerminalCondition reports how an iterative in-step solve ended. It is
// returned as data rather than an error: a non-converged intermediate state
// is still informative to trajectory-optimization callers, which routinely
// inspect partially-converged results.
type TerminalCondition int

const (
	// TerminalInvalid means the solve could not run, for example because the
	// state contained non-finite values. The world is left untouched.
	TerminalInvalid TerminalCondition = iota
	// TerminalStaticSkeleton means the mechanism has no degrees of freedom
	// to solve for.
	TerminalStaticSkeleton
	// TerminalMaximumIteration means the iteration cap was reached before
	// the residual dropped below tolerance; the state is advanced to the
	// last iterate.
	TerminalMaximumIteration
	// TerminalTolerance means the residual converged below tolerance.
	TerminalTolerance
)

// Converged reports whether the condition counts as a successful solve.
func (c TerminalCondition) Converged() bool {
	return c == TerminalTolerance || c == TerminalStaticSkeleton
}

func (c TerminalCondition) String() string {
	switch c {
	case TerminalStaticSkeleton:
		return "static skeleton"
	case TerminalMaximumIteration:
		return "maximum iteration"
	case TerminalTolerance:
		return "tolerance"
	default:
		return "invalid"
	}
}
