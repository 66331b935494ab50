package extension

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for blank module paths or roles.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrModuleNotFound is returned when a module reference cannot be resolved.
	ErrModuleNotFound = errors.New("extension module not found")
	// ErrNoFactoryFound is returned when a module exports no usable factory.
	ErrNoFactoryFound = errors.New("no extension factory found")
	// ErrRoleMismatch is matched by every RoleMismatchError.
	ErrRoleMismatch = errors.New("extension role mismatch")
)

// RoleMismatchError reports an extension that declares a different role than
// the one it was loaded for.
type RoleMismatchError struct {
	Expected Role
	Actual   Role
	Module   string
}

func (e *RoleMismatchError) Error() string {
	return fmt.Sprintf("wrong extension type found: expecting %s, but got %s in %s",
		e.Expected, e.Actual, e.Module)
}

// Is makes errors.Is(err, ErrRoleMismatch) hold.
func (e *RoleMismatchError) Is(target error) bool {
	return target == ErrRoleMismatch
}
