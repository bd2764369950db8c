package pool

import (
	"context"
	"errors"
	"sync"
)

// RunFunc is the body of an in-process worker.
type RunFunc func(ctx context.Context, spec Spec) error

// ExitCodeUnhealthy is reported for a worker that gave up on its queue.
const ExitCodeUnhealthy = 2

// InlineSupervisor runs workers as goroutines with synthetic pids. It backs
// drivers whose jobs are only visible inside the master process.
type InlineSupervisor struct {
	run       RunFunc
	unhealthy error

	mu     sync.Mutex
	nextID int
	procs  map[int]*inlineProc
	exited []Exit
	wg     sync.WaitGroup
}

type inlineProc struct {
	cancel context.CancelFunc
	done   bool
}

// NewInline returns a supervisor running run. An error matching unhealthy
// is reported with ExitCodeUnhealthy, any other error with code 1.
func NewInline(run RunFunc, unhealthy error) *InlineSupervisor {
	return &InlineSupervisor{run: run, unhealthy: unhealthy, procs: make(map[int]*inlineProc)}
}

func (s *InlineSupervisor) Spawn(ctx context.Context, spec Spec) (int, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.procs[id] = &inlineProc{cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		code := 0
		if err := s.run(runCtx, spec); err != nil {
			code = 1
			if s.unhealthy != nil && errors.Is(err, s.unhealthy) {
				code = ExitCodeUnhealthy
			}
		}
		s.mu.Lock()
		s.procs[id].done = true
		s.exited = append(s.exited, Exit{PID: id, Code: code})
		s.mu.Unlock()
	}()
	return id, nil
}

func (s *InlineSupervisor) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	return ok && !p.done
}

func (s *InlineSupervisor) Terminate(pid int) error {
	s.mu.Lock()
	p, ok := s.procs[pid]
	s.mu.Unlock()
	if ok {
		p.cancel()
	}
	return nil
}

func (s *InlineSupervisor) Reap() ([]Exit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.exited
	s.exited = nil
	for _, e := range out {
		delete(s.procs, e.PID)
	}
	return out, nil
}

// Wait blocks until every spawned goroutine has returned.
func (s *InlineSupervisor) Wait() {
	s.wg.Wait()
}
