// Package pool spawns and supervises the worker and delayer processes of a master.
package pool

import (
	"context"
	"fmt"

	"github.com/msageha/jobs/internal/model"
)

// Spec identifies what a spawned process runs.
type Spec struct {
	Kind  model.WorkerKind
	Topic string
	Slot  int
}

func (s Spec) String() string {
	if s.Kind == model.KindDelayer {
		return "delayer"
	}
	return fmt.Sprintf("worker[%s#%d]", s.Topic, s.Slot)
}

// Exit describes a reaped process.
type Exit struct {
	PID    int
	Code   int
	Signal string
}

// Supervisor starts, checks, stops and reaps processes.
type Supervisor interface {
	Spawn(ctx context.Context, spec Spec) (int, error)
	Alive(pid int) bool
	Terminate(pid int) error
	Reap() ([]Exit, error)
}
