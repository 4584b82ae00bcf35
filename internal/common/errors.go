package common

import (
	"errors"
	"fmt"
)

// Error taxonomy of the lifecycle engine. Every failure surfaced at the
// CLI or HTTP boundary wraps exactly one of these sentinels.
var (
	ErrDuplicateName = errors.New("container name already in use")
	ErrAllocation    = errors.New("container storage allocation failed")
	ErrLimit         = errors.New("memory limit cannot be enforced")
	ErrSpawn         = errors.New("container process failed to start")
	ErrNotFound      = errors.New("container not found")
	ErrMemoryPolicy  = errors.New("memory admission policy exceeded")
	ErrInvalidState  = errors.New("invalid container state")
)

// ContainerError ties a failure to the container it concerns.
type ContainerError struct {
	Op    string `json:"op"`
	Name  string `json:"name"`
	Kind  error  `json:"-"`
	Cause error  `json:"-"`
}

func (e *ContainerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %q: %s: %v", e.Op, e.Name, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s %q: %s", e.Op, e.Name, e.Kind)
}

func (e *ContainerError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func (e *ContainerError) Unwrap() error {
	return e.Cause
}

// NewContainerError creates a new container error of the given kind.
func NewContainerError(op, name string, kind, cause error) *ContainerError {
	return &ContainerError{
		Op:    op,
		Name:  name,
		Kind:  kind,
		Cause: cause,
	}
}
