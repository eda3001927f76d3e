package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrProcessNotFound    = errors.New("sandbox process not found")
	ErrInvalidSpec        = errors.New("invalid sandbox process spec")
	ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")
)

// ProcessError wraps runtime errors with the process and operation involved.
type ProcessError struct {
	ProcessID string
	Op        string // The runtime operation that failed
	Err       error
}

func (e *ProcessError) Error() string {
	if e.ProcessID != "" {
		return fmt.Sprintf("sandbox %s: %s: %s", e.ProcessID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the process is already gone, which is the
// normal outcome of stopping an auto-removed sandbox that just exited.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound)
}
