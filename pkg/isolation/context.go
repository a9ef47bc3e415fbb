// Package isolation runs a command inside a materialized root filesystem.
//
// A [Context] owns one scratch directory and walks it through a fixed
// sequence of states: the root is materialized, the process swaps its root
// to it, resets its working directory, detaches into a new PID namespace and
// finally spawns and waits for the child. Steps are irreversible and must be
// taken in order; the swap affects the whole calling process.
package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ScratchPrefix prefixes every scratch directory name.
const ScratchPrefix = "nanopod-"

// State is a step in the life of an isolation context.
type State int

const (
	StateScratchCreated State = iota
	StateRootMaterialized
	StateRootSwapped
	StateWorkdirReset
	StateNamespaceDetached
	StateChildSpawned
	StateChildCompleted
	StateScratchCleaned
)

func (s State) String() string {
	switch s {
	case StateScratchCreated:
		return "ScratchCreated"
	case StateRootMaterialized:
		return "RootMaterialized"
	case StateRootSwapped:
		return "RootSwapped"
	case StateWorkdirReset:
		return "WorkdirReset"
	case StateNamespaceDetached:
		return "NamespaceDetached"
	case StateChildSpawned:
		return "ChildSpawned"
	case StateChildCompleted:
		return "ChildCompleted"
	case StateScratchCleaned:
		return "ScratchCleaned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result describes a completed child process.
type Result struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	Stdout   []byte
	Stderr   []byte
}

// Code is the launcher's exit code for the child: its own exit code, or 0
// when it was killed by a signal.
func (r *Result) Code() int {
	if r.Signaled {
		return 0
	}
	return r.ExitCode
}

// Context tracks one scratch root through isolation and execution.
type Context struct {
	id      string
	baseDir string
	dir     string
	state   State

	sys    Syscalls
	logger *logrus.Entry

	// Clone flags for the child, set by DetachPIDNamespace.
	cloneflags uintptr

	// Opened on the base directory before the root swap so the scratch
	// directory stays reachable for cleanup afterwards.
	base *os.Root
}

type Option func(c *Context)

func WithLogger(logger *logrus.Entry) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// New creates a uniquely named scratch directory under baseDir.
func New(baseDir string, sys Syscalls, opts ...Option) (*Context, error) {
	if sys == nil {
		sys = HostSyscalls{}
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(absBase, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", absBase, err)
	}

	id := uuid.New().String()
	c := &Context{
		id:      id,
		baseDir: absBase,
		dir:     filepath.Join(absBase, ScratchPrefix+id),
		state:   StateScratchCreated,
		sys:     sys,
		logger:  logrus.WithField("component", "isolation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("scratch", c.dir)

	if err := os.Mkdir(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	c.logger.Debug("Created scratch directory")
	return c, nil
}

func (c *Context) ID() string { return c.id }

// Dir is the scratch directory's host path.
func (c *Context) Dir() string { return c.dir }

func (c *Context) State() State { return c.state }

func (c *Context) expect(want State, next State) error {
	if c.state != want {
		return fmt.Errorf("%w: cannot move to %s from %s", ErrInvalidTransition, next, c.state)
	}
	return nil
}

// MarkMaterialized records that the scratch directory holds a complete root
// filesystem.
func (c *Context) MarkMaterialized() error {
	if err := c.expect(StateScratchCreated, StateRootMaterialized); err != nil {
		return err
	}
	c.state = StateRootMaterialized
	return nil
}

// SwapRoot makes the scratch directory the root of the calling process.
func (c *Context) SwapRoot() error {
	if err := c.expect(StateRootMaterialized, StateRootSwapped); err != nil {
		return err
	}

	base, err := os.OpenRoot(c.baseDir)
	if err != nil {
		return &IsolationError{Op: "chroot", Path: c.dir, Err: fmt.Errorf("failed to open base directory: %w", err)}
	}

	if err := c.sys.Chroot(c.dir); err != nil {
		base.Close()
		return &IsolationError{Op: "chroot", Path: c.dir, Err: err}
	}

	c.base = base
	c.state = StateRootSwapped
	c.logger.Debug("Swapped root")
	return nil
}

// ResetWorkdir moves the working directory to the new root.
func (c *Context) ResetWorkdir() error {
	if err := c.expect(StateRootSwapped, StateWorkdirReset); err != nil {
		return err
	}

	if err := c.sys.Chdir("/"); err != nil {
		return &IsolationError{Op: "chdir", Path: "/", Err: err}
	}

	c.state = StateWorkdirReset
	return nil
}

// DetachPIDNamespace arranges for the child started by Spawn to run in a new
// PID namespace, where it is PID 1. The launcher itself is not moved.
func (c *Context) DetachPIDNamespace() error {
	if err := c.expect(StateWorkdirReset, StateNamespaceDetached); err != nil {
		return err
	}

	flags, err := c.sys.DetachPID()
	if err != nil {
		return &IsolationError{Op: "detach", Err: err}
	}

	c.cloneflags = flags
	c.state = StateNamespaceDetached
	c.logger.Debug("Detached PID namespace")
	return nil
}

// Spawn runs command with args, buffering its output, and waits for it.
func (c *Context) Spawn(ctx context.Context, command string, args []string) (*Result, error) {
	if err := c.expect(StateNamespaceDetached, StateChildSpawned); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.cloneflags != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: c.cloneflags}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{Command: command, Err: err}
	}
	c.state = StateChildSpawned
	log := c.logger.WithFields(logrus.Fields{
		"command": command,
		"pid":     cmd.Process.Pid,
	})
	log.Debug("Spawned child")

	waitErr := cmd.Wait()
	c.state = StateChildCompleted

	if cmd.ProcessState == nil {
		return nil, &ExecutionError{Command: command, Err: waitErr}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return nil, &ExecutionError{Command: command, Err: waitErr}
	}

	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}
	if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signaled = true
		result.Signal = status.Signal()
	}

	log.WithFields(logrus.Fields{
		"exitCode": result.ExitCode,
		"signaled": result.Signaled,
	}).Debug("Child completed")
	return result, nil
}

// Cleanup removes the scratch directory. It is best effort; the caller
// decides whether a failure matters.
func (c *Context) Cleanup() error {
	if c.state == StateScratchCleaned || c.state == StateChildSpawned {
		return fmt.Errorf("%w: cannot move to %s from %s", ErrInvalidTransition, StateScratchCleaned, c.state)
	}

	var err error
	if c.base != nil {
		err = c.base.RemoveAll(filepath.Base(c.dir))
		if closeErr := c.base.Close(); err == nil {
			err = closeErr
		}
		c.base = nil
	} else {
		err = os.RemoveAll(c.dir)
	}
	c.state = StateScratchCleaned

	if err != nil {
		return fmt.Errorf("failed to remove scratch directory %s: %w", c.dir, err)
	}
	c.logger.Debug("Removed scratch directory")
	return nil
}
