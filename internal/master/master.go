package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/jobs/internal/lock"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/pool"
	"github.com/msageha/jobs/internal/state"
)

// Master owns the worker pool for the lifetime of one start. Topics are
// read once at construction; later config edits need a restart.
type Master struct {
	cfg        model.Config
	configPath string
	opts       StartOptions
	store      *state.Store
	fileLock   *lock.FileLock
	pool       *pool.Manager
	logger     *logging.Logger

	notify func(c chan<- os.Signal, sig ...os.Signal)
	pid    int

	mu        sync.Mutex
	state     model.MasterState
	startedAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	status   singleflight.Group
}

// New prepares a master. configPath may be empty, which disables the
// config watcher.
func New(cfg model.Config, configPath string, opts StartOptions, sup pool.Supervisor, logger *logging.Logger) *Master {
	if logger == nil {
		logger = logging.Discard()
	}
	store := state.NewStore(cfg.Process.DataDir)
	return &Master{
		cfg:        cfg,
		configPath: configPath,
		opts:       opts,
		store:      store,
		fileLock:   lock.NewFileLock(store.LockPath()),
		pool: pool.NewManager(sup, pool.Config{
			RespawnBackoff: time.Duration(cfg.Process.RespawnBackoffSec) * time.Second,
		}, logger.With("pool")),
		logger: logger,
		notify: signal.Notify,
		pid:    os.Getpid(),
		state:  model.MasterStopped,
		stopCh: make(chan struct{}),
	}
}

func (m *Master) State() model.MasterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Master) setState(s model.MasterState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if err := model.ValidateMasterTransition(prev, s); err != nil {
		m.logger.Warnf("%v", err)
	}
	m.logger.Infof("state %s -> %s", prev, s)
}

// Pool exposes the worker pool for inspection.
func (m *Master) Pool() *pool.Manager { return m.pool }

// Stop requests a graceful shutdown. It is safe to call more than once.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run starts the pool and blocks until a stop is requested by signal, by
// Stop, or by ctx, then shuts down. A failure while starting leaves the
// master Stopped and is returned.
func (m *Master) Run(ctx context.Context) error {
	m.setState(model.MasterStarting)
	if err := m.start(ctx); err != nil {
		m.setState(model.MasterStopped)
		return err
	}
	m.setState(model.MasterRunning)
	m.logger.Infof("master running pid=%d topics=%d no_delay=%t", m.pid, len(m.cfg.Topics), m.opts.NoDelay)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.controlLoop(gctx, cancel) })
	g.Go(func() error { return m.superviseLoop(gctx) })
	g.Go(func() error { return m.watchConfig(gctx) })
	err := g.Wait()

	m.shutdown()
	return err
}

func (m *Master) start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Process.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := m.fileLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
		}
		return fmt.Errorf("master lock: %w", err)
	}

	m.startedAt = time.Now().UTC()
	if err := m.store.WriteMaster(&model.MasterInfo{
		PID:       m.pid,
		Options:   m.opts.Map(),
		StartedAt: m.startedAt,
	}); err != nil {
		m.fileLock.Unlock()
		return fmt.Errorf("write %s: %w", state.MasterFile, err)
	}

	spawnErr := m.spawnAll(ctx)
	if spawnErr != nil {
		m.logger.Errorf("start failed: %v", spawnErr)
		m.pool.StopAll()
		m.pool.AwaitExit(context.Background(), m.shutdownTimeout())
		m.release()
		return spawnErr
	}
	return nil
}

func (m *Master) spawnAll(ctx context.Context) error {
	for _, t := range m.cfg.Topics {
		if err := m.pool.SpawnTopic(ctx, t); err != nil {
			return fmt.Errorf("spawn topic %s: %w", t.Name, err)
		}
	}
	if m.opts.NoDelay {
		m.logger.Infof("delay scheduler disabled; delayed jobs stay parked")
		return nil
	}
	if err := m.pool.SpawnDelayer(ctx); err != nil {
		return fmt.Errorf("spawn delayer: %w", err)
	}
	return nil
}

// controlLoop maps signals to actions: SIGUSR1, SIGTERM and SIGINT stop,
// SIGUSR2 publishes status.
func (m *Master) controlLoop(ctx context.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 4)
	m.notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			m.logger.Infof("stop requested")
			cancel()
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGUSR2 {
				if path, err := m.PublishStatus(); err != nil {
					m.logger.Errorf("publish status: %v", err)
				} else {
					m.logger.Infof("status written to %s", path)
				}
				continue
			}
			m.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
			cancel()
			return nil
		}
	}
}

func (m *Master) superviseLoop(ctx context.Context) error {
	interval := time.Duration(m.cfg.Process.SuperviseIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.pool.Supervise(ctx)
			if err != nil {
				m.logger.Warnf("supervise: %v", err)
			}
			if n > 0 {
				m.logger.Infof("respawned %d process(es)", n)
			}
		}
	}
}

// watchConfig logs when the config file changes. Changes are not applied.
func (m *Master) watchConfig(ctx context.Context) error {
	if m.configPath == "" {
		<-ctx.Done()
		return nil
	}
	path, err := filepath.Abs(m.configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warnf("config watcher unavailable: %v", err)
		<-ctx.Done()
		return nil
	}
	defer watcher.Close()
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		m.logger.Warnf("watch %s: %v", filepath.Dir(path), err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.logger.Warnf("config %s changed; restart required to apply", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// Snapshot describes the master and its live workers.
func (m *Master) Snapshot() model.StatusSnapshot {
	return model.StatusSnapshot{
		GeneratedAt: time.Now().UTC(),
		MasterPID:   m.pid,
		State:       m.State(),
		StartedAt:   m.startedAt,
		LoadAverage: state.LoadAverage(),
		MemoryUsage: state.MemoryUsage(),
		Workers:     m.pool.Records(),
	}
}

// PublishStatus writes status.info. Concurrent requests share one write.
func (m *Master) PublishStatus() (string, error) {
	_, err, _ := m.status.Do("status", func() (any, error) {
		snap := m.Snapshot()
		return nil, m.store.WriteStatus(&snap)
	})
	if err != nil {
		return "", err
	}
	return m.store.StatusPath(), nil
}

func (m *Master) shutdownTimeout() time.Duration {
	sec := m.cfg.Process.ShutdownTimeoutSec
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

func (m *Master) shutdown() {
	m.setState(model.MasterStopping)
	m.pool.StopAll()

	timeout := m.shutdownTimeout()
	if m.pool.AwaitExit(context.Background(), timeout) {
		m.logger.Infof("all workers exited")
	} else {
		m.logger.Warnf("shutdown timeout after %s, %d worker(s) still running", timeout, m.pool.Live())
	}

	m.release()
	m.setState(model.MasterStopped)
}

func (m *Master) release() {
	if err := m.store.RemoveMaster(); err != nil {
		m.logger.Errorf("remove %s: %v", state.MasterFile, err)
	}
	if err := m.fileLock.Unlock(); err != nil {
		m.logger.Errorf("release lock: %v", err)
	}
}
