package master

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/msageha/jobs/internal/state"
)

// ErrDetachFailed is returned when a detached master does not come up.
var ErrDetachFailed = errors.New("detached master did not start")

// Detach starts exe with args in a new session and waits until the child
// has published master.info. output receives the child's stdout and stderr.
func Detach(exe string, args []string, output *os.File, store *state.Store, signaler Signaler, wait time.Duration) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	if output != nil {
		cmd.Stdout = output
		cmd.Stderr = output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start master: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return 0, fmt.Errorf("%w: pid %d exited: %v", ErrDetachFailed, pid, err)
		case <-deadline.C:
			return pid, fmt.Errorf("%w: pid %d not ready after %s", ErrDetachFailed, pid, wait)
		case <-tick.C:
			info, err := store.ReadMaster()
			if err == nil && info.PID == pid && signaler.Alive(pid) {
				return pid, nil
			}
		}
	}
}
