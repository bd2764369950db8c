package master

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/msageha/jobs/internal/pool"
)

// Signaler delivers control signals to a master by pid.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

type UnixSignaler struct{}

func (UnixSignaler) Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

func (UnixSignaler) Alive(pid int) bool { return pool.ProcessExists(pid) }
