package queue

import "errors"

var (
	// ErrEmpty is returned by Pop when no job became ready within the wait.
	ErrEmpty = errors.New("queue empty")

	// ErrUnknownJob is returned by Ack and Nack for ids this driver did not hand out.
	ErrUnknownJob = errors.New("unknown or already settled job")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue driver closed")

	// ErrUnknownDriver is returned when queue.class names no registered driver.
	ErrUnknownDriver = errors.New("unknown queue driver")

	// ErrMissingOption is returned when a driver option is required but absent.
	ErrMissingOption = errors.New("missing queue driver option")

	ErrFailedToParseRedisURL = errors.New("failed to parse redis connection string")
	ErrRedisNotReady         = errors.New("redis did not become ready within the given time period")
)
