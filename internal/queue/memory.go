package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/jobs/internal/delay"
	"github.com/msageha/jobs/internal/model"
)

type inflightJob struct {
	queue string
	job   *model.Job
}

// Memory is a process-local FIFO driver. All state sits behind one mutex and
// a pop removes the job under it, so concurrent pops never share a job.
// Jobs do not survive the process.
type Memory struct {
	mu       sync.Mutex
	ready    map[string][]*model.Job
	delayed  map[string]*delay.Heap
	inflight map[string]inflightJob
	wake     map[string]chan struct{}
	closed   bool
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		ready:    make(map[string][]*model.Job),
		delayed:  make(map[string]*delay.Heap),
		inflight: make(map[string]inflightJob),
		wake:     make(map[string]chan struct{}),
		now:      time.Now,
	}
}

func (m *Memory) Push(_ context.Context, queue string, job *model.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := m.now()
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}

	if j.Delayed(now) {
		h, ok := m.delayed[queue]
		if !ok {
			h = delay.NewHeap()
			m.delayed[queue] = h
		}
		h.Push(&j)
		return j.ID, nil
	}

	m.ready[queue] = append(m.ready[queue], &j)
	m.signal(queue)
	return j.ID, nil
}

func (m *Memory) Pop(ctx context.Context, queue string, wait time.Duration) (*model.Job, error) {
	var timer *time.Timer
	if wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if q := m.ready[queue]; len(q) > 0 {
			j := q[0]
			q[0] = nil
			m.ready[queue] = q[1:]
			m.inflight[j.ID] = inflightJob{queue: queue, job: j}
			m.mu.Unlock()
			out := *j
			return &out, nil
		}
		ch := m.waitCh(queue)
		m.mu.Unlock()

		if timer == nil {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmpty
		case <-ch:
		}
	}
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[id]; !ok {
		return ErrUnknownJob
	}
	delete(m.inflight, id)
	return nil
}

func (m *Memory) Nack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.inflight[id]
	if !ok {
		return ErrUnknownJob
	}
	delete(m.inflight, id)
	f.job.Attempts++
	// Redelivered jobs go to the head so FIFO order is kept for the rest.
	m.ready[f.queue] = append([]*model.Job{f.job}, m.ready[f.queue]...)
	m.signal(f.queue)
	return nil
}

func (m *Memory) PromoteDue(_ context.Context, queue string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.delayed[queue]
	if !ok {
		return 0, nil
	}
	due := h.PopDue(now)
	if len(due) == 0 {
		return 0, nil
	}
	m.ready[queue] = append(m.ready[queue], due...)
	m.signal(queue)
	return len(due), nil
}

// Stats reports ready, delayed, and in-flight counts for a queue.
func (m *Memory) Stats(queue string) (ready, delayed, inflight int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ready = len(m.ready[queue])
	if h, ok := m.delayed[queue]; ok {
		delayed = h.Len()
	}
	for _, f := range m.inflight {
		if f.queue == queue {
			inflight++
		}
	}
	return ready, delayed, inflight
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for q := range m.wake {
		m.signal(q)
	}
	return nil
}

// waitCh must be called with mu held.
func (m *Memory) waitCh(queue string) chan struct{} {
	ch, ok := m.wake[queue]
	if !ok {
		ch = make(chan struct{})
		m.wake[queue] = ch
	}
	return ch
}

// signal must be called with mu held.
func (m *Memory) signal(queue string) {
	if ch, ok := m.wake[queue]; ok {
		close(ch)
		delete(m.wake, queue)
	}
}
