package master

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunChild runs fn for a worker or delayer process. The context passed to
// fn ends on SIGTERM or SIGINT, or when the parent process goes away.
func RunChild(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go watchParent(ctx, cancel, os.Getppid(), time.Second)
	return fn(ctx)
}

// watchParent cancels when the parent pid changes, which happens once the
// parent has exited and the process was reparented.
func watchParent(ctx context.Context, cancel context.CancelFunc, ppid int, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if os.Getppid() != ppid {
				cancel()
				return
			}
		}
	}
}
