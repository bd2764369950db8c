// Package dispatch routes a job to its topic handler and classifies the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/topic"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	HandlerError
	RoutingError
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case HandlerError:
		return "handler_error"
	case RoutingError:
		return "routing_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string     { return fmt.Sprintf("handler panic: %v", e.Value) }
func (e *PanicError) ErrorCode() string { return "PANIC" }

// Resolver yields the handler for a topic name.
type Resolver interface {
	Handler(name string) (topic.Handler, error)
}

type Dispatcher struct {
	topics Resolver
	logger *logging.Logger
}

func New(topics Resolver, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{topics: topics, logger: logger}
}

// Dispatch runs the job's handler. Handler errors and panics are logged and
// reported as HandlerError; they never propagate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job) Outcome {
	h, err := d.topics.Handler(job.Topic)
	if err != nil {
		d.logger.Errorf("no route for job id=%s topic=%q: %v", job.ID, job.Topic, err)
		return Outcome{Kind: RoutingError, Err: err}
	}

	if stack, err := d.invoke(ctx, h, job); err != nil {
		d.logger.Warnf("job id=%s topic=%s attempts=%d failed", job.ID, job.Topic, job.Attempts)
		d.logger.CatchStack(err, stack)
		return Outcome{Kind: HandlerError, Err: err}
	}
	d.logger.Debugf("job id=%s topic=%s done", job.ID, job.Topic)
	return Outcome{Kind: Success}
}

func (d *Dispatcher) invoke(ctx context.Context, h topic.Handler, job *model.Job) (stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = debug.Stack()
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", &PanicError{Value: r}, e)
				return
			}
			err = &PanicError{Value: r}
		}
	}()
	return nil, h.Handle(ctx, job)
}

// IsPanic reports whether err came from a recovered handler panic.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}
