// Package queue defines the queue driver capability and its built-in backends.
//
// A driver stores jobs per queue name. Jobs pushed with a future not_before are
// parked in the driver's delayed area until PromoteDue moves them to the ready
// path; Pop only ever returns ready jobs. Concurrency guarantees are per
// driver and documented on each implementation.
package queue

import (
	"context"
	"time"

	"github.com/msageha/jobs/internal/model"
)

type Driver interface {
	// Push stores job under queue and returns its id. ID and EnqueuedAt are
	// assigned by the driver when empty.
	Push(ctx context.Context, queue string, job *model.Job) (string, error)

	// Pop claims the next ready job, waiting up to wait for one to arrive.
	// It returns ErrEmpty when nothing became ready in time.
	Pop(ctx context.Context, queue string, wait time.Duration) (*model.Job, error)

	// Ack removes a claimed job for good.
	Ack(ctx context.Context, id string) error

	// Nack returns a claimed job to the ready path with Attempts incremented.
	Nack(ctx context.Context, id string) error

	// PromoteDue moves delayed jobs whose not_before is at or before now to ready.
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)

	Close() error
}

// Enqueue pushes payload for topic onto the topic's queue.
func Enqueue(ctx context.Context, d Driver, topic model.TopicConfig, payload []byte, notBefore *time.Time) (string, error) {
	return d.Push(ctx, topic.QueueName(), &model.Job{
		Topic:     topic.Name,
		Payload:   payload,
		NotBefore: notBefore,
	})
}
