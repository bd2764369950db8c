package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/msageha/jobs/internal/model"
)

// ExecSupervisor runs each worker as a child process of the current binary
// using the hidden "worker" and "delayer" subcommands.
type ExecSupervisor struct {
	Executable string
	// BaseArgs precede the subcommand, e.g. the config flag.
	BaseArgs []string
	// Output receives the children's stdout and stderr.
	Output *os.File
	Env    []string
}

// NewExecSupervisor re-executes the running binary.
func NewExecSupervisor(baseArgs []string, output *os.File) (*ExecSupervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSupervisor{Executable: exe, BaseArgs: baseArgs, Output: output}, nil
}

// Args returns the command line used for spec, without the executable.
func (s *ExecSupervisor) Args(spec Spec) []string {
	args := append([]string{}, s.BaseArgs...)
	if spec.Kind == model.KindDelayer {
		return append(args, "delayer")
	}
	return append(args, "worker", "--topic", spec.Topic, "--slot", strconv.Itoa(spec.Slot))
}

func (s *ExecSupervisor) Spawn(_ context.Context, spec Spec) (int, error) {
	cmd := exec.Command(s.Executable, s.Args(spec)...)
	cmd.Stdin = nil
	if s.Output != nil {
		cmd.Stdout = s.Output
		cmd.Stderr = s.Output
	}
	cmd.Env = append(os.Environ(), s.Env...)
	// Own process group so a terminal ^C reaches the master only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", spec, err)
	}
	pid := cmd.Process.Pid
	// Exits are collected by Reap with wait4.
	_ = cmd.Process.Release()
	return pid, nil
}

// Alive sends signal 0 to pid.
func (s *ExecSupervisor) Alive(pid int) bool {
	return ProcessExists(pid)
}

func (s *ExecSupervisor) Terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("terminate pid %d: %w", pid, err)
}

func (s *ExecSupervisor) Reap() ([]Exit, error) {
	return ReapChildren()
}

// ProcessExists reports whether a process with pid exists.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ReapChildren collects every exited child of the calling process without
// blocking. No children is not an error.
func ReapChildren() ([]Exit, error) {
	var exits []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			return exits, nil
		}
		if err != nil {
			return exits, fmt.Errorf("wait4: %w", err)
		}
		if pid <= 0 {
			return exits, nil
		}
		e := Exit{PID: pid, Code: ws.ExitStatus()}
		if ws.Signaled() {
			e.Signal = ws.Signal().String()
		}
		exits = append(exits, e)
	}
}
