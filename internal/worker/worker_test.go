package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/jobs/internal/dispatch"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/queue"
)

type dispatchFunc func(ctx context.Context, job *model.Job) dispatch.Outcome

func (f dispatchFunc) Dispatch(ctx context.Context, job *model.Job) dispatch.Outcome {
	return f(ctx, job)
}

type topicMap map[string]model.TopicConfig

func (m topicMap) Lookup(name string) (model.TopicConfig, bool) {
	t, ok := m[name]
	return t, ok
}

var emailTopics = topicMap{"email": {Name: "email", Action: "test", Retries: 1}}

func push(t *testing.T, d queue.Driver, payload string, notBefore *time.Time) string {
	t.Helper()
	id, err := queue.Enqueue(context.Background(), d, emailTopics["email"], []byte(payload), notBefore)
	require.NoError(t, err)
	return id
}

func TestWorker_RetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	push(t, mem, "A", nil)

	calls := 0
	w := New(Config{Queue: "email"}, mem, dispatchFunc(func(_ context.Context, j *model.Job) dispatch.Outcome {
		calls++
		if j.Attempts == 0 {
			return dispatch.Outcome{Kind: dispatch.HandlerError, Err: errors.New("smtp down")}
		}
		return dispatch.Outcome{Kind: dispatch.Success}
	}), emailTopics, NewDeadLetters(t.TempDir()), nil)

	for i := 0; i < 2; i++ {
		ok, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 2, calls)
	st := w.Stats()
	assert.Equal(t, int64(1), st.Processed)
	assert.Equal(t, int64(1), st.Retried)
	assert.Zero(t, st.DeadLettered)

	ready, delayed, inflight := mem.Stats("email")
	assert.Zero(t, ready+delayed+inflight)
}

func TestWorker_RetriesExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	id := push(t, mem, "A", nil)
	dl := NewDeadLetters(t.TempDir())

	w := New(Config{Queue: "email"}, mem, dispatchFunc(func(context.Context, *model.Job) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.HandlerError, Err: errors.New("smtp down")}
	}), emailTopics, dl, nil)

	for i := 0; i < 2; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}

	entries, err := dl.List("email")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].JobID)
	assert.Equal(t, "A", entries[0].Payload)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].Reason, "smtp down")

	ready, _, inflight := mem.Stats("email")
	assert.Zero(t, ready+inflight)
}

func TestWorker_PanicIsRetriedThenDeadLettered(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	push(t, mem, "bad", nil)
	push(t, mem, "A", nil)
	dl := NewDeadLetters(t.TempDir())
	var logs bytes.Buffer

	var seen []string
	w := New(Config{Queue: "email"}, mem, dispatchFunc(func(_ context.Context, j *model.Job) dispatch.Outcome {
		seen = append(seen, string(j.Payload))
		if string(j.Payload) == "bad" {
			return dispatch.Outcome{Kind: dispatch.HandlerError, Err: &dispatch.PanicError{Value: "nil map"}}
		}
		return dispatch.Outcome{Kind: dispatch.Success}
	}), emailTopics, dl, logging.New(&logs, logging.LevelInfo, "worker"))

	for {
		ok, err := w.RunOnce(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	assert.Equal(t, []string{"bad", "bad", "A"}, seen)
	st := w.Stats()
	assert.Equal(t, int64(2), st.Panicked)
	assert.Equal(t, int64(1), st.Retried)
	assert.Equal(t, int64(1), st.DeadLettered)
	assert.Equal(t, int64(1), st.Processed)
	assert.Contains(t, logs.String(), "handler panicked")

	entries, err := dl.List("email")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reason, "handler panic: nil map")
}

func TestWorker_RoutingErrorDeadLetters(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	_, err := mem.Push(ctx, "email", &model.Job{Topic: "fax"})
	require.NoError(t, err)
	dl := NewDeadLetters(t.TempDir())

	w := New(Config{Queue: "email"}, mem, dispatchFunc(func(context.Context, *model.Job) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.RoutingError, Err: errors.New("unknown topic")}
	}), emailTopics, dl, nil)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	entries, err := dl.List("fax")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(1), w.Stats().DeadLettered)
}

func TestWorker_DelayedJobWaitsUntilDue(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	due := time.Now().Add(time.Hour)
	idC := push(t, mem, "C", &due)

	var got []string
	w := New(Config{Queue: "email"}, mem, dispatchFunc(func(_ context.Context, j *model.Job) dispatch.Outcome {
		got = append(got, j.ID)
		return dispatch.Outcome{Kind: dispatch.Success}
	}), emailTopics, nil, nil)

	ok, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = mem.PromoteDue(ctx, "email", due)
	require.NoError(t, err)
	w.SetClock(func() time.Time { return due })

	ok, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{idC}, got)
}

// earlyDriver hands out a job before its not_before.
type earlyDriver struct {
	queue.Driver
	job    *model.Job
	pushed []*model.Job
	acked  []string
}

func (d *earlyDriver) Pop(context.Context, string, time.Duration) (*model.Job, error) {
	if d.job == nil {
		return nil, queue.ErrEmpty
	}
	j := d.job
	d.job = nil
	return j, nil
}

func (d *earlyDriver) Push(_ context.Context, _ string, j *model.Job) (string, error) {
	d.pushed = append(d.pushed, j)
	return j.ID, nil
}

func (d *earlyDriver) Ack(_ context.Context, id string) error {
	d.acked = append(d.acked, id)
	return nil
}

func TestWorker_EarlyJobIsParkedNotDispatched(t *testing.T) {
	due := time.Now().Add(time.Minute)
	drv := &earlyDriver{job: &model.Job{ID: "c", Topic: "email", NotBefore: &due}}

	dispatched := false
	w := New(Config{Queue: "email"}, drv, dispatchFunc(func(context.Context, *model.Job) dispatch.Outcome {
		dispatched = true
		return dispatch.Outcome{Kind: dispatch.Success}
	}), emailTopics, nil, nil)

	ok, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, dispatched)
	require.Len(t, drv.pushed, 1)
	assert.Equal(t, "c", drv.pushed[0].ID)
	assert.Equal(t, []string{"c"}, drv.acked)
	assert.Equal(t, int64(1), w.Stats().Parked)
}

func TestWorker_NoDelayNeverDispatchesFutureJob(t *testing.T) {
	mem := queue.NewMemory()
	due := time.Now().Add(time.Second)
	push(t, mem, "C", &due)

	var dispatched atomic.Bool
	w := New(Config{Queue: "email", PopTimeout: 20 * time.Millisecond}, mem, dispatchFunc(func(context.Context, *model.Job) dispatch.Outcome {
		dispatched.Store(true)
		return dispatch.Outcome{Kind: dispatch.Success}
	}), emailTopics, nil, nil)

	// Without a delay scheduler nothing promotes the job, even past its due time.
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.False(t, dispatched.Load())
	_, delayed, _ := mem.Stats("email")
	assert.Equal(t, 1, delayed)
}

func TestWorker_TwoWorkersShareQueue(t *testing.T) {
	mem := queue.NewMemory()
	idA := push(t, mem, "A", nil)
	idB := push(t, mem, "B", nil)

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		done = make(chan struct{})
	)
	handler := dispatchFunc(func(_ context.Context, j *model.Job) dispatch.Outcome {
		mu.Lock()
		defer mu.Unlock()
		seen[j.ID]++
		if len(seen) == 2 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return dispatch.Outcome{Kind: dispatch.Success}
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		w := New(Config{Queue: "email", PopTimeout: 50 * time.Millisecond}, mem, handler, emailTopics, nil, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Run(ctx))
		}()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()
	wg.Wait()

	assert.Equal(t, map[string]int{idA: 1, idB: 1}, seen)
	ready, delayed, inflight := mem.Stats("email")
	assert.Zero(t, ready+delayed+inflight)
}

type failingDriver struct {
	queue.Driver
	pops atomic.Int32
}

func (d *failingDriver) Pop(context.Context, string, time.Duration) (*model.Job, error) {
	d.pops.Add(1)
	return nil, errors.New("connection refused")
}

func TestWorker_UnhealthyAfterRepeatedQueueFailures(t *testing.T) {
	drv := &failingDriver{}
	w := New(Config{Queue: "email", MaxQueueFailures: 3, BackoffBase: time.Millisecond}, drv, nil, emailTopics, nil, nil)

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Equal(t, int32(3), drv.pops.Load())
}

func TestWorker_CancelStopsLoop(t *testing.T) {
	mem := queue.NewMemory()
	w := New(Config{Queue: "email", PopTimeout: time.Minute}, mem, nil, emailTopics, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestBackoff(t *testing.T) {
	base, limit := 500*time.Millisecond, 30*time.Second
	assert.Equal(t, 500*time.Millisecond, backoff(base, limit, 1))
	assert.Equal(t, time.Second, backoff(base, limit, 2))
	assert.Equal(t, 4*time.Second, backoff(base, limit, 4))
	assert.Equal(t, limit, backoff(base, limit, 20))
}
