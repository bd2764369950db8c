package master

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/msageha/jobs/internal/config"
	"github.com/msageha/jobs/internal/lock"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/pool"
	"github.com/msageha/jobs/internal/state"
	"github.com/msageha/jobs/internal/topic"
)

// Launcher runs or spawns a master with the given options.
type Launcher func(ctx context.Context, opts StartOptions) error

const (
	restartPollInterval = time.Second
	statusWait          = 3 * time.Second
)

// Controller implements the CLI operations against the master of one data dir.
type Controller struct {
	cfg      model.Config
	handlers *topic.Handlers
	store    *state.Store
	signaler Signaler
	launch   Launcher
	zombies  *pool.Manager
	logger   *logging.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

func NewController(cfg model.Config, handlers *topic.Handlers, signaler Signaler, launch Launcher, logger *logging.Logger) *Controller {
	if signaler == nil {
		signaler = UnixSignaler{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		cfg:      cfg,
		handlers: handlers,
		store:    state.NewStore(cfg.Process.DataDir),
		signaler: signaler,
		launch:   launch,
		zombies:  pool.NewManager(&pool.ExecSupervisor{}, pool.Config{}, logger.With("zombie")),
		logger:   logger,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

func (c *Controller) Store() *state.Store { return c.store }

// Check validates the configuration and resolves every topic handler.
func (c *Controller) Check() error {
	if err := config.Validate(c.cfg); err != nil {
		return err
	}
	if _, err := topic.NewRegistry(c.cfg.Topics, c.handlers); err != nil {
		return err
	}
	return nil
}

// running returns master.info and whether its master is alive. The pid
// must answer signal 0 and hold master.lock; a pid that was reused by an
// unrelated process holds no lock, so its record counts as stale.
func (c *Controller) running() (*model.MasterInfo, bool, error) {
	info, err := c.store.ReadMaster()
	if errors.Is(err, state.ErrNoMaster) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !c.signaler.Alive(info.PID) {
		return info, false, nil
	}
	holder, held, err := lock.Inspect(c.store.LockPath())
	if err != nil {
		return info, false, err
	}
	if !held || (holder != 0 && holder != info.PID) {
		c.logger.Warnf("pid %d in %s does not hold %s; treating it as stale", info.PID, state.MasterFile, state.LockFile)
		return info, false, nil
	}
	return info, true, nil
}

// Start launches a master unless one is alive. A master.info left by a dead
// master is removed first.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	info, alive, err := c.running()
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}
	if info != nil {
		c.logger.Warnf("removing stale %s of pid %d", state.MasterFile, info.PID)
		if err := c.store.RemoveMaster(); err != nil {
			return err
		}
	}
	if err := c.Check(); err != nil {
		return err
	}
	c.logger.Infof("starting master no_delay=%t", opts.NoDelay)
	return c.launch(ctx, opts)
}

// Stop with quiet set only checks and reports whether no master is alive.
// Otherwise it sends the stop signal and reports whether it was delivered.
func (c *Controller) Stop(quiet bool) (bool, error) {
	info, alive, err := c.running()
	if err != nil {
		return false, err
	}
	if quiet {
		return !alive, nil
	}
	if !alive {
		return false, nil
	}
	if err := c.signaler.Signal(info.PID, syscall.SIGUSR1); err != nil {
		return false, err
	}
	c.logger.Infof("stop signal sent to pid %d", info.PID)
	return true, nil
}

// Restart stops the running master, waits for it to exit, and starts a new
// one with the previous options, or override when given. A stale
// master.info counts as an already stopped master. Without any master.info
// it returns ErrNotRunning. If the master does not exit within
// restart_timeout_sec, ErrStopTimeout is returned and nothing is started.
func (c *Controller) Restart(ctx context.Context, override *StartOptions) error {
	info, alive, err := c.running()
	if err != nil {
		return err
	}
	if info == nil {
		return ErrNotRunning
	}
	opts := OptionsFromInfo(info)
	if override != nil {
		opts = *override
	}

	if !alive {
		c.logger.Infof("master pid %d is gone; starting a new one", info.PID)
		return c.Start(ctx, opts)
	}

	if _, err := c.Stop(false); err != nil {
		return err
	}
	timeout := time.Duration(c.cfg.Process.RestartTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultRestartTimeoutSec) * time.Second
	}
	deadline := c.now().Add(timeout)
	for {
		stopped, err := c.Stop(true)
		if err != nil {
			return err
		}
		if stopped {
			break
		}
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w (pid %d, %s)", ErrStopTimeout, info.PID, timeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.sleep(restartPollInterval)
	}
	return c.Start(ctx, opts)
}

// Status asks the master to write status.info and returns its path.
func (c *Controller) Status() (string, error) {
	info, alive, err := c.running()
	if err != nil {
		return "", err
	}
	if !alive {
		return "", ErrNotRunning
	}

	sent := c.now().UTC().Truncate(time.Second)
	if err := c.signaler.Signal(info.PID, syscall.SIGUSR2); err != nil {
		return "", err
	}
	deadline := c.now().Add(statusWait)
	for c.now().Before(deadline) {
		if snap, err := c.store.ReadStatus(); err == nil && !snap.GeneratedAt.Before(sent) {
			return c.store.StatusPath(), nil
		}
		c.sleep(50 * time.Millisecond)
	}
	return "", fmt.Errorf("%w (pid %d, %s)", ErrStatusTimeout, info.PID, statusWait)
}

// Zombie reaps exited children of this process through the pool and
// returns how many were collected.
func (c *Controller) Zombie() (int, error) {
	exits, err := c.zombies.WaitWorkers()
	for _, e := range exits {
		c.logger.Infof("reaped pid=%d code=%d signal=%q", e.PID, e.Code, e.Signal)
	}
	return len(exits), err
}
