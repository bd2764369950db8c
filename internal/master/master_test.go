package master

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/pool"
	"github.com/msageha/jobs/internal/state"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	return model.Config{
		Topics: []model.TopicConfig{
			{Name: "email", Action: "log", Workers: 2},
			{Name: "audit", Action: "log"},
		},
		Queue: model.QueueConfig{Class: "memory"},
		Log:   model.LogConfig{LogDir: t.TempDir()},
		Process: model.ProcessConfig{
			DataDir:              t.TempDir(),
			SuperviseIntervalSec: 1,
			ShutdownTimeoutSec:   2,
		},
	}
}

func blockingSupervisor() *pool.InlineSupervisor {
	return pool.NewInline(func(ctx context.Context, _ pool.Spec) error {
		<-ctx.Done()
		return nil
	}, nil)
}

// fakeSignals captures the channel the master registers for signals.
type fakeSignals struct {
	mu sync.Mutex
	ch chan<- os.Signal
}

func (f *fakeSignals) notify(c chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = c
}

func (f *fakeSignals) send(t *testing.T, sig os.Signal) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.ch != nil
	}, time.Second, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch <- sig
}

func runMaster(t *testing.T, m *Master) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == model.MasterRunning }, 2*time.Second, 5*time.Millisecond)
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("master did not stop")
		return nil
	}
}

func TestMaster_StartAndStop(t *testing.T) {
	cfg := testConfig(t)
	sup := blockingSupervisor()
	sig := &fakeSignals{}
	m := New(cfg, "", StartOptions{}, sup, nil)
	m.notify = sig.notify

	done := runMaster(t, m)

	store := state.NewStore(cfg.Process.DataDir)
	info, err := store.ReadMaster()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.False(t, info.NoDelay())

	recs := m.Pool().Records()
	require.Len(t, recs, 4)
	assert.Equal(t, model.KindDelayer, recs[0].Kind)

	sig.send(t, syscall.SIGUSR1)
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, model.MasterStopped, m.State())
	assert.Zero(t, m.Pool().Live())
	_, err = store.ReadMaster()
	assert.ErrorIs(t, err, state.ErrNoMaster)
	sup.Wait()
}

func TestMaster_NoDelaySkipsDelayer(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, "", StartOptions{NoDelay: true}, blockingSupervisor(), nil)
	m.notify = (&fakeSignals{}).notify
	done := runMaster(t, m)

	for _, r := range m.Pool().Records() {
		assert.Equal(t, model.KindWorker, r.Kind)
	}
	assert.Equal(t, 3, m.Pool().Live())

	info, err := state.NewStore(cfg.Process.DataDir).ReadMaster()
	require.NoError(t, err)
	assert.True(t, info.NoDelay())

	m.Stop()
	m.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestMaster_StatusSignalWritesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	sig := &fakeSignals{}
	m := New(cfg, "", StartOptions{}, blockingSupervisor(), nil)
	m.notify = sig.notify
	done := runMaster(t, m)

	store := state.NewStore(cfg.Process.DataDir)
	sig.send(t, syscall.SIGUSR2)
	require.Eventually(t, func() bool {
		_, err := store.ReadStatus()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := store.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), snap.MasterPID)
	assert.Equal(t, model.MasterRunning, snap.State)
	assert.Len(t, snap.Workers, 4)
	assert.Contains(t, snap.MemoryUsage, "MB")
	assert.Equal(t, model.MasterRunning, m.State(), "status does not stop the master")

	m.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestMaster_ConcurrentStatusRequests(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, "", StartOptions{}, blockingSupervisor(), nil)
	m.notify = (&fakeSignals{}).notify
	done := runMaster(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path, err := m.PublishStatus()
			assert.NoError(t, err)
			assert.Equal(t, state.NewStore(cfg.Process.DataDir).StatusPath(), path)
		}()
	}
	wg.Wait()

	m.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestMaster_SecondMasterRefused(t *testing.T) {
	cfg := testConfig(t)
	first := New(cfg, "", StartOptions{}, blockingSupervisor(), nil)
	first.notify = (&fakeSignals{}).notify
	done := runMaster(t, first)

	second := New(cfg, "", StartOptions{}, blockingSupervisor(), nil)
	second.notify = (&fakeSignals{}).notify
	err := second.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, model.MasterStopped, second.State())

	// the first master's state is untouched
	info, err := state.NewStore(cfg.Process.DataDir).ReadMaster()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	first.Stop()
	require.NoError(t, waitDone(t, done))
}

func TestMaster_ShutdownTimeoutStillCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Topics = cfg.Topics[:1]
	cfg.Process.ShutdownTimeoutSec = 1

	release := make(chan struct{})
	sup := pool.NewInline(func(ctx context.Context, _ pool.Spec) error {
		<-release
		return nil
	}, nil)
	m := New(cfg, "", StartOptions{NoDelay: true}, sup, nil)
	m.notify = (&fakeSignals{}).notify
	done := runMaster(t, m)

	start := time.Now()
	m.Stop()
	require.NoError(t, waitDone(t, done))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, 2, m.Pool().Live(), "workers are not force-killed")

	_, err := state.NewStore(cfg.Process.DataDir).ReadMaster()
	assert.ErrorIs(t, err, state.ErrNoMaster)

	close(release)
	sup.Wait()
}

func TestMaster_ContextCancelStops(t *testing.T) {
	cfg := testConfig(t)
	m := New(cfg, "", StartOptions{}, blockingSupervisor(), nil)
	m.notify = (&fakeSignals{}).notify

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.State() == model.MasterRunning }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, model.MasterStopped, m.State())
}
