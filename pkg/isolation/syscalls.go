package isolation

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Set by the first successful detach in the process.
var pidDetached atomic.Bool

// Syscalls are the kernel calls that change the process's view of the
// system.
type Syscalls interface {
	Chroot(path string) error
	Chdir(path string) error
	// DetachPID returns the clone flags a spawned child needs to start in
	// a fresh PID namespace.
	DetachPID() (cloneflags uintptr, err error)
}

// HostSyscalls performs the real system calls.
type HostSyscalls struct{}

var _ Syscalls = HostSyscalls{}

func (HostSyscalls) Chroot(path string) error {
	return unix.Chroot(path)
}

func (HostSyscalls) Chdir(path string) error {
	return unix.Chdir(path)
}

// DetachPID asks for CLONE_NEWPID on the next child. The namespace is
// created by clone(2) for that child alone; the launcher never leaves its
// own. Only the first call in a process succeeds, later calls fail with
// ErrAlreadyDetached.
func (HostSyscalls) DetachPID() (uintptr, error) {
	if !pidDetached.CompareAndSwap(false, true) {
		return 0, ErrAlreadyDetached
	}
	return unix.CLONE_NEWPID, nil
}
