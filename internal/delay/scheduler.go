package delay

import (
	"context"
	"time"

	"github.com/msageha/jobs/internal/logging"
)

// Promoter moves due delayed jobs of a queue onto its ready path.
type Promoter interface {
	PromoteDue(ctx context.Context, queue string, now time.Time) (int, error)
}

// Scheduler polls the promoter for every configured queue.
type Scheduler struct {
	promoter Promoter
	queues   []string
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewScheduler(p Promoter, queues []string, interval time.Duration, logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		promoter: p,
		queues:   dedupe(queues),
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("delay scheduler started queues=%v interval=%s", s.queues, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("delay scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick promotes due jobs once and returns how many were promoted.
// Errors are logged per queue and do not stop the other queues.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	total := 0
	for _, q := range s.queues {
		n, err := s.promoter.PromoteDue(ctx, q, now)
		if err != nil {
			s.logger.Warnf("promote queue=%s: %v", q, err)
			continue
		}
		if n > 0 {
			s.logger.Debugf("promoted %d delayed job(s) queue=%s", n, q)
		}
		total += n
	}
	return total
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
