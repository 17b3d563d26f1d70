// Package finitediff provides numerical derivative oracles. They serve both
// as validators for analytic Jacobians and gradients and, where no analytic
// path exists, as the production derivative source. Plain central differences
// are delegated to gonum's diff/fd; a Ridders polynomial-extrapolation mode
// is provided for high-precision reference values.
package finitediff

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Derivative returns the central-difference derivative of f at x using the
// given step.
func Derivative(f func(float64) float64, x, step float64) float64 {
	return fd.Derivative(f, x, &fd.Settings{Formula: fd.Central, Step: step})
}

// Gradient fills dst with the central-difference gradient of f at x and
// returns it. If dst is nil a new slice is allocated.
func Gradient(dst []float64, f func([]float64) float64, x []float64, step float64) []float64 {
	return fd.Gradient(dst, f, x, &fd.Settings{Formula: fd.Central, Step: step})
}

// Jacobian fills dst with the central-difference Jacobian of f at x, where f
// writes its m outputs into out and dst is m x len(x).
func Jacobian(dst *mat.Dense, f func(out, x []float64), x []float64, step float64) {
	fd.Jacobian(dst, f, x, &fd.JacobianSettings{Formula: fd.Central, Step: step})
}
