// Package worker runs the consume loop of one worker process: pop, delay
// check, dispatch, then ack, nack, or dead-letter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/msageha/jobs/internal/dispatch"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/queue"
)

// ErrUnhealthy is returned when the queue keeps failing; the process should
// exit so the pool replaces it.
var ErrUnhealthy = errors.New("worker unhealthy: queue failures exceeded limit")

const (
	defaultPopTimeout       = 2 * time.Second
	defaultMaxQueueFailures = 10
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
)

type Dispatcher interface {
	Dispatch(ctx context.Context, job *model.Job) dispatch.Outcome
}

type TopicLookup interface {
	Lookup(name string) (model.TopicConfig, bool)
}

type Config struct {
	Queue            string
	PopTimeout       time.Duration
	MaxQueueFailures int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

// Stats counts outcomes since the loop started.
type Stats struct {
	Processed    int64
	Failed       int64
	Panicked     int64
	Retried      int64
	DeadLettered int64
	Parked       int64
}

type Worker struct {
	cfg         Config
	driver      queue.Driver
	dispatcher  Dispatcher
	topics      TopicLookup
	deadLetters *DeadLetters
	logger      *logging.Logger
	now         func() time.Time

	processed    atomic.Int64
	failed       atomic.Int64
	panicked     atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	parked       atomic.Int64
}

func New(cfg Config, driver queue.Driver, d Dispatcher, topics TopicLookup, dl *DeadLetters, logger *logging.Logger) *Worker {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	if cfg.MaxQueueFailures <= 0 {
		cfg.MaxQueueFailures = defaultMaxQueueFailures
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		cfg:         cfg,
		driver:      driver,
		dispatcher:  d,
		topics:      topics,
		deadLetters: dl,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source used for the delay check.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Failed:       w.failed.Load(),
		Panicked:     w.panicked.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Parked:       w.parked.Load(),
	}
}

// Run consumes until ctx is cancelled, returning nil, or until the queue
// fails MaxQueueFailures times in a row, returning ErrUnhealthy. A job being
// handled when ctx is cancelled is finished first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("worker started queue=%s", w.cfg.Queue)
	failures := 0
	for {
		if ctx.Err() != nil {
			w.logger.Infof("worker stopped queue=%s", w.cfg.Queue)
			return nil
		}

		job, err := w.driver.Pop(ctx, w.cfg.Queue, w.cfg.PopTimeout)
		switch {
		case err == nil:
			failures = 0
			w.handle(context.WithoutCancel(ctx), job)
			continue
		case errors.Is(err, queue.ErrEmpty):
			failures = 0
			continue
		case ctx.Err() != nil:
			continue
		}

		failures++
		w.logger.Warnf("queue pop failed queue=%s consecutive=%d: %v", w.cfg.Queue, failures, err)
		if failures >= w.cfg.MaxQueueFailures {
			w.logger.Catch(err)
			return fmt.Errorf("%w: queue=%s: %w", ErrUnhealthy, w.cfg.Queue, err)
		}
		sleep(ctx, backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, failures))
	}
}

// RunOnce pops and handles at most one job without waiting.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.driver.Pop(ctx, w.cfg.Queue, 0)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *model.Job) {
	if job.Delayed(w.now()) {
		w.park(ctx, job)
		return
	}

	out := w.dispatcher.Dispatch(ctx, job)
	switch out.Kind {
	case dispatch.Success:
		w.processed.Add(1)
		w.ack(ctx, job)

	case dispatch.RoutingError:
		w.failed.Add(1)
		w.deadLetter(ctx, job, fmt.Sprintf("routing: %v", out.Err))

	case dispatch.HandlerError:
		w.failed.Add(1)
		if dispatch.IsPanic(out.Err) {
			w.panicked.Add(1)
			w.logger.Errorf("job id=%s topic=%s handler panicked: %v", job.ID, job.Topic, out.Err)
		}
		retries := 0
		if t, ok := w.topics.Lookup(job.Topic); ok {
			retries = t.Retries
		}
		if job.Attempts < retries {
			if err := w.driver.Nack(ctx, job.ID); err != nil {
				w.logger.Errorf("nack job id=%s: %v", job.ID, err)
				return
			}
			w.retried.Add(1)
			w.logger.Infof("job id=%s topic=%s requeued attempt=%d/%d", job.ID, job.Topic, job.Attempts+1, retries)
			return
		}
		w.deadLetter(ctx, job, fmt.Sprintf("handler failed after %d attempts: %v", job.Attempts+1, out.Err))
	}
}

// park returns a job that arrived before its not_before to the delayed area.
func (w *Worker) park(ctx context.Context, job *model.Job) {
	clone := *job
	if _, err := w.driver.Push(ctx, w.cfg.Queue, &clone); err != nil {
		w.logger.Errorf("re-park delayed job id=%s: %v", job.ID, err)
		if nerr := w.driver.Nack(ctx, job.ID); nerr != nil {
			w.logger.Errorf("nack job id=%s: %v", job.ID, nerr)
		}
		return
	}
	w.parked.Add(1)
	w.ack(ctx, job)
	w.logger.Debugf("job id=%s not due until %s; parked", job.ID, job.NotBefore.Format(time.RFC3339))
}

func (w *Worker) deadLetter(ctx context.Context, job *model.Job, reason string) {
	if w.deadLetters != nil {
		path, err := w.deadLetters.Archive(job, reason)
		if err != nil {
			w.logger.Errorf("archive dead letter id=%s: %v", job.ID, err)
		} else {
			w.logger.Warnf("dead_letter job id=%s topic=%s path=%s reason=%s", job.ID, job.Topic, path, reason)
		}
	}
	w.deadLettered.Add(1)
	w.ack(ctx, job)
}

func (w *Worker) ack(ctx context.Context, job *model.Job) {
	if err := w.driver.Ack(ctx, job.ID); err != nil {
		w.logger.Errorf("ack job id=%s: %v", job.ID, err)
	}
}

func backoff(base, limit time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
