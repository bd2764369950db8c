package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
)

const (
	defaultRespawnBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultStableAfter    = 60 * time.Second
)

type Config struct {
	// RespawnBackoff is the first delay before a crashed slot is refilled.
	RespawnBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter is how long a process must live for its slot's backoff to reset.
	StableAfter time.Duration
}

type slotKey struct {
	kind  model.WorkerKind
	topic string
	slot  int
}

type slot struct {
	spec     Spec
	pid      int
	restarts int
	backoff  time.Duration
	nextAt   time.Time
}

// Manager owns the records of every process it spawned and keeps each slot
// filled until StopAll.
type Manager struct {
	sup    Supervisor
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	records  map[int]*model.WorkerRecord
	slots    map[slotKey]*slot
	order    []slotKey
	stopping bool
}

func NewManager(sup Supervisor, cfg Config, logger *logging.Logger) *Manager {
	if cfg.RespawnBackoff <= 0 {
		cfg.RespawnBackoff = defaultRespawnBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		sup:     sup,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		records: make(map[int]*model.WorkerRecord),
		slots:   make(map[slotKey]*slot),
	}
}

// SetClock overrides the time source used for backoff and records.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SpawnTopic starts topic.WorkerCount() workers for the topic.
func (m *Manager) SpawnTopic(ctx context.Context, topic model.TopicConfig) error {
	for i := 0; i < topic.WorkerCount(); i++ {
		if err := m.spawnSlot(ctx, Spec{Kind: model.KindWorker, Topic: topic.Name, Slot: i}); err != nil {
			return err
		}
	}
	return nil
}

// SpawnDelayer starts the delay scheduler process.
func (m *Manager) SpawnDelayer(ctx context.Context) error {
	return m.spawnSlot(ctx, Spec{Kind: model.KindDelayer})
}

func (m *Manager) spawnSlot(ctx context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey{kind: spec.Kind, topic: spec.Topic, slot: spec.Slot}
	if _, exists := m.slots[key]; exists {
		return fmt.Errorf("%s already spawned", spec)
	}
	s := &slot{spec: spec, backoff: m.cfg.RespawnBackoff}
	m.slots[key] = s
	m.order = append(m.order, key)
	return m.start(ctx, s)
}

// start must be called with mu held.
func (m *Manager) start(ctx context.Context, s *slot) error {
	pid, err := m.sup.Spawn(ctx, s.spec)
	now := m.now()
	if err != nil {
		m.schedule(s, now)
		m.logger.Errorf("spawn %s failed, retry at %s: %v", s.spec, s.nextAt.Format(time.RFC3339), err)
		return err
	}
	s.pid = pid
	m.records[pid] = &model.WorkerRecord{
		PID:           pid,
		Topic:         s.spec.Topic,
		Slot:          s.spec.Slot,
		Kind:          s.spec.Kind,
		Status:        model.WorkerRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Restarts:      s.restarts,
	}
	m.logger.Infof("spawned %s pid=%d restarts=%d", s.spec, pid, s.restarts)
	return nil
}

// schedule sets the next respawn time of s and grows its backoff.
func (m *Manager) schedule(s *slot, now time.Time) {
	s.pid = 0
	s.nextAt = now.Add(s.backoff)
	s.backoff *= 2
	if s.backoff > m.cfg.MaxBackoff {
		s.backoff = m.cfg.MaxBackoff
	}
}

// Supervise reaps exited processes, marks records whose process is gone as
// dead, and refills slots whose backoff has elapsed. It returns how many
// processes were respawned.
func (m *Manager) Supervise(ctx context.Context) (int, error) {
	exits, reapErr := m.sup.Reap()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, e := range exits {
		m.markDead(e.PID, now, exitReason(e))
	}
	for pid, rec := range m.records {
		if rec.Status == model.WorkerStopping {
			continue
		}
		if m.sup.Alive(pid) {
			rec.LastHeartbeat = now
			continue
		}
		m.markDead(pid, now, "process gone")
	}

	if m.stopping {
		return 0, reapErr
	}

	respawned := 0
	for _, key := range m.order {
		s := m.slots[key]
		if s.pid != 0 || now.Before(s.nextAt) {
			continue
		}
		s.restarts++
		if err := m.start(ctx, s); err == nil {
			respawned++
		}
	}
	return respawned, reapErr
}

// setStatus must be called with mu held. A repeated status is a no-op.
func (m *Manager) setStatus(rec *model.WorkerRecord, to model.WorkerStatus) {
	if rec.Status == to {
		return
	}
	if err := model.ValidateWorkerTransition(rec.Status, to); err != nil {
		m.logger.Warnf("%s pid=%d: %v", rec.Kind, rec.PID, err)
	}
	rec.Status = to
}

// markDead must be called with mu held.
func (m *Manager) markDead(pid int, now time.Time, reason string) {
	rec, ok := m.records[pid]
	if !ok {
		return
	}
	delete(m.records, pid)
	m.setStatus(rec, model.WorkerDead)

	s := m.slots[slotKey{kind: rec.Kind, topic: rec.Topic, slot: rec.Slot}]
	if s == nil || s.pid != pid {
		return
	}
	if m.stopping {
		s.pid = 0
		m.logger.Infof("%s pid=%d exited: %s", s.spec, pid, reason)
		return
	}
	if now.Sub(rec.StartedAt) >= m.cfg.StableAfter {
		s.backoff = m.cfg.RespawnBackoff
	}
	m.schedule(s, now)
	m.logger.Warnf("%s pid=%d died (%s); respawn at %s", s.spec, pid, reason, s.nextAt.Format(time.RFC3339))
}

func exitReason(e Exit) string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// WaitWorkers reaps exited children and drops their records. Their slots
// respawn on the next Supervise unless the pool is stopping. It is safe to
// call when nothing was ever spawned.
func (m *Manager) WaitWorkers() ([]Exit, error) {
	exits, err := m.sup.Reap()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range exits {
		m.markDead(e.PID, now, exitReason(e))
	}
	return exits, err
}

// StopAll asks every live process to exit and disables respawning.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopping = true
	for pid, rec := range m.records {
		m.setStatus(rec, model.WorkerStopping)
		if err := m.sup.Terminate(pid); err != nil {
			m.logger.Warnf("terminate %s pid=%d: %v", rec.Kind, pid, err)
		}
	}
}

// AwaitExit reaps until no record is left or timeout passes. It reports
// whether every process exited in time.
func (m *Manager) AwaitExit(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if _, err := m.Supervise(ctx); err != nil {
			m.logger.Warnf("reap: %v", err)
		}
		m.mu.Lock()
		for pid := range m.records {
			if !m.sup.Alive(pid) {
				delete(m.records, pid)
			}
		}
		left := len(m.records)
		m.mu.Unlock()
		if left == 0 {
			return true
		}
		select {
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}

// Live counts records of running processes.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns copies of the current records, delayer first, then by
// topic and slot.
func (m *Manager) Records() []model.WorkerRecord {
	m.mu.Lock()
	out := make([]model.WorkerRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind == model.KindDelayer
		}
		if a.Topic != b.Topic {
			return a.Topic < b.Topic
		}
		return a.Slot < b.Slot
	})
	return out
}
