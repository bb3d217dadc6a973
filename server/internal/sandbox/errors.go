package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for sandbox operations.
var (
	// ErrInvalidKey indicates a session key with an empty component.
	ErrInvalidKey = errors.New("invalid session key")

	// ErrNotFound indicates the backend does not know the sandbox.
	ErrNotFound = errors.New("sandbox not found")

	// ErrProvision indicates the backend failed to create a sandbox.
	ErrProvision = errors.New("sandbox provisioning failed")

	// ErrTeardown indicates the backend failed to destroy a sandbox.
	ErrTeardown = errors.New("sandbox teardown failed")

	// ErrMissingEndpoint indicates a provider record without a usable
	// automation endpoint.
	ErrMissingEndpoint = errors.New("sandbox has no automation endpoint")
)

// ProvisionError wraps a backend failure during Create.
type ProvisionError struct {
	Template string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox from template %q: %v", e.Template, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

func (e *ProvisionError) Is(target error) bool { return target == ErrProvision }

// TeardownError wraps a backend failure during Destroy. It is logged, never
// returned from registry operations.
type TeardownError struct {
	ID  string
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("destroy sandbox %s: %v", e.ID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

func (e *TeardownError) Is(target error) bool { return target == ErrTeardown }
