package isolation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a step is attempted out of order.
	ErrInvalidTransition = errors.New("invalid isolation state transition")
	// ErrAlreadyDetached is returned by a second PID namespace detachment in
	// the same process.
	ErrAlreadyDetached = errors.New("pid namespace already detached in this process")
)

// IsolationError reports a failed root swap, working directory reset or
// namespace detachment.
type IsolationError struct {
	Op   string
	Path string
	Err  error
}

func (e *IsolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("isolation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("isolation %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *IsolationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a child process that could not be started or
// waited for.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("failed to execute %s: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
