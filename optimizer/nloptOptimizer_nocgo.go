//go:build windows || no_cgo

package optimizer

import (
	"context"

	"github.com/edaniels/golog"

	"github.com/trajkit/trajkit/dynamics"
	"github.com/trajkit/trajkit/trajopt"
)

// NloptOptimizer is not supported on this platform.
type NloptOptimizer struct{}

// NewNloptOptimizer returns a stub whose Optimize always errors.
func NewNloptOptimizer(opts *Options, logger golog.Logger) *NloptOptimizer {
	return &NloptOptimizer{}
}

// Optimize is not supported on this platform.
func (o *NloptOptimizer) Optimize(ctx context.Context, w dynamics.World, p trajopt.Problem) (*Solution, error) {
	return nil, ErrNoCgoSupport
}
