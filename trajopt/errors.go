package trajopt

import (
	"github.com/pkg/errors"
)

// flatDimNameOOB is returned by FlatDimName for indexes outside the flat
// vector instead of failing, so diagnostic printers can probe freely.
const flatDimNameOOB = "Error OOB"

// ErrIdentityMappingReserved is returned when registering a mapping under
// the always-present identity name.
var ErrIdentityMappingReserved = errors.Errorf("mapping name %q is reserved", IdentityMappingName)

// NewDimensionMismatchError is returned when a caller-supplied buffer does
// not match the expected size. No output is written when it is returned.
func NewDimensionMismatchError(what string, want, got int) error {
	return errors.Errorf("%s dimension mismatch: want %d, got %d", what, want, got)
}

// NewDuplicateMappingError is returned when registering a mapping under a
// name that is already taken.
func NewDuplicateMappingError(name string) error {
	return errors.Errorf("mapping %q already registered", name)
}

// NewUnknownMappingError is returned when an operation names a mapping that
// was never registered.
func NewUnknownMappingError(name string, known []string) error {
	return errors.Errorf("no mapping named %q, registered mappings: %v", name, known)
}

// NewOutOfRangeError is returned when an index falls outside a valid range.
func NewOutOfRangeError(what string, i, n int) error {
	return errors.Errorf("%s index %d out of range [0, %d)", what, i, n)
}
