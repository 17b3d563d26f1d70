package dynamics

import (
	"github.com/pkg/errors"
)

// NewUnknownBodyError is returned when a body name does not exist in the
// simulated mechanism.
func NewUnknownBodyError(name string, known []string) error {
	return errors.Errorf("no body named %q, known bodies: %v", name, known)
}
