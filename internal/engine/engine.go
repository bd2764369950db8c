// Package engine assembles the queue driver, topic registry and dispatcher
// used by one process, and runs worker and delayer bodies on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/jobs/internal/delay"
	"github.com/msageha/jobs/internal/dispatch"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/pool"
	"github.com/msageha/jobs/internal/queue"
	"github.com/msageha/jobs/internal/topic"
	"github.com/msageha/jobs/internal/worker"
)

// ErrNotShared is returned by Submit when jobs pushed through the configured
// driver would stay inside the pushing process.
var ErrNotShared = errors.New("queue class is not shared between processes")

type Engine struct {
	cfg         model.Config
	driver      queue.Driver
	reg         queue.Registration
	topics      *topic.Registry
	dispatcher  *dispatch.Dispatcher
	deadLetters *worker.DeadLetters
	logger      *logging.Logger
}

// New builds the topic registry from cfg and wraps an already open driver.
func New(cfg model.Config, driver queue.Driver, reg queue.Registration, handlers *topic.Handlers, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	topics, err := topic.NewRegistry(cfg.Topics, handlers)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		driver:      driver,
		reg:         reg,
		topics:      topics,
		dispatcher:  dispatch.New(topics, logger.With("dispatch")),
		deadLetters: worker.NewDeadLetters(cfg.Process.DataDir),
		logger:      logger,
	}, nil
}

// Open opens the configured driver and builds the engine.
func Open(cfg model.Config, handlers *topic.Handlers, logger *logging.Logger) (*Engine, error) {
	driver, reg, err := queue.Open(cfg.Queue)
	if err != nil {
		return nil, err
	}
	e, err := New(cfg, driver, reg, handlers, logger)
	if err != nil {
		driver.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) Driver() queue.Driver             { return e.driver }
func (e *Engine) Topics() *topic.Registry          { return e.topics }
func (e *Engine) DeadLetters() *worker.DeadLetters { return e.deadLetters }

// Shared reports whether separate processes see the driver's jobs.
func (e *Engine) Shared() bool { return e.reg.Shared }

func (e *Engine) Close() error { return e.driver.Close() }

// Push enqueues payload on the topic's queue, not before now+after when after > 0.
func (e *Engine) Push(ctx context.Context, topicName string, payload []byte, after time.Duration) (string, error) {
	t, ok := e.topics.Lookup(topicName)
	if !ok {
		return "", fmt.Errorf("%w: %q", topic.ErrUnknownTopic, topicName)
	}
	var notBefore *time.Time
	if after > 0 {
		nb := time.Now().Add(after)
		notBefore = &nb
	}
	return queue.Enqueue(ctx, e.driver, t, payload, notBefore)
}

// Submit is Push for a process other than the master. It refuses drivers
// whose jobs no master or worker process would ever see.
func (e *Engine) Submit(ctx context.Context, topicName string, payload []byte, after time.Duration) (string, error) {
	if !e.Shared() {
		return "", fmt.Errorf("%w: %q", ErrNotShared, e.cfg.Queue.Class)
	}
	return e.Push(ctx, topicName, payload, after)
}

// NewWorker returns the consume loop of one worker of topicName.
func (e *Engine) NewWorker(topicName string, slot int) (*worker.Worker, error) {
	t, ok := e.topics.Lookup(topicName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", topic.ErrUnknownTopic, topicName)
	}
	p := e.cfg.Process
	return worker.New(worker.Config{
		Queue:            t.QueueName(),
		PopTimeout:       time.Duration(p.PopTimeoutSec) * time.Second,
		MaxQueueFailures: p.MaxQueueFailures,
	}, e.driver, e.dispatcher, e.topics, e.deadLetters,
		e.logger.With(fmt.Sprintf("worker.%s.%d", t.Name, slot))), nil
}

func (e *Engine) RunWorker(ctx context.Context, topicName string, slot int) error {
	w, err := e.NewWorker(topicName, slot)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// RunDelayer promotes due delayed jobs of every topic queue until ctx ends.
func (e *Engine) RunDelayer(ctx context.Context) error {
	interval := time.Duration(e.cfg.Process.DelayPollMs) * time.Millisecond
	return delay.NewScheduler(e.driver, e.topics.Queues(), interval, e.logger.With("delayer")).Run(ctx)
}

// Run executes the body for spec. It is the RunFunc of an inline pool.
func (e *Engine) Run(ctx context.Context, spec pool.Spec) error {
	if spec.Kind == model.KindDelayer {
		return e.RunDelayer(ctx)
	}
	return e.RunWorker(ctx, spec.Topic, spec.Slot)
}
