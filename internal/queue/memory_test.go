package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/jobs/internal/model"
)

func TestMemory_FIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	idA, err := m.Push(ctx, "email", &model.Job{Topic: "email", Payload: []byte("A")})
	require.NoError(t, err)
	idB, err := m.Push(ctx, "email", &model.Job{Topic: "email", Payload: []byte("B")})
	require.NoError(t, err)

	a, err := m.Pop(ctx, "email", 0)
	require.NoError(t, err)
	b, err := m.Pop(ctx, "email", 0)
	require.NoError(t, err)

	assert.Equal(t, idA, a.ID)
	assert.Equal(t, idB, b.ID)
	assert.False(t, a.EnqueuedAt.IsZero())

	_, err = m.Pop(ctx, "email", 0)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemory_PopWaitsForPush(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Push(ctx, "email", &model.Job{Topic: "email"})
	}()

	j, err := m.Pop(ctx, "email", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
}

func TestMemory_PopTimesOut(t *testing.T) {
	m := NewMemory()
	start := time.Now()
	_, err := m.Pop(context.Background(), "email", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemory_PopHonoursContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Pop(ctx, "email", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_AckNack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Push(ctx, "email", &model.Job{Topic: "email", Payload: []byte("A")})
	_, _ = m.Push(ctx, "email", &model.Job{Topic: "email", Payload: []byte("B")})

	a, err := m.Pop(ctx, "email", 0)
	require.NoError(t, err)
	require.NoError(t, m.Nack(ctx, a.ID))
	assert.ErrorIs(t, m.Nack(ctx, a.ID), ErrUnknownJob)

	again, err := m.Pop(ctx, "email", 0)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID, "nacked job is redelivered first")
	assert.Equal(t, 1, again.Attempts)

	require.NoError(t, m.Ack(ctx, again.ID))
	assert.ErrorIs(t, m.Ack(ctx, again.ID), ErrUnknownJob)

	ready, delayed, inflight := m.Stats("email")
	assert.Equal(t, 1, ready)
	assert.Equal(t, 0, delayed)
	assert.Equal(t, 0, inflight)
}

func TestMemory_DelayedJobNotReadyUntilPromoted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }

	due := now.Add(60 * time.Second)
	id, err := m.Push(ctx, "email", &model.Job{Topic: "email", NotBefore: &due})
	require.NoError(t, err)

	_, err = m.Pop(ctx, "email", 0)
	assert.ErrorIs(t, err, ErrEmpty)

	n, err := m.PromoteDue(ctx, "email", now.Add(59*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.PromoteDue(ctx, "email", due)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := m.Pop(ctx, "email", 0)
	require.NoError(t, err)
	assert.Equal(t, id, j.ID)
}

func TestMemory_ConcurrentPopsNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	const total = 200
	for i := 0; i < total; i++ {
		_, _ = m.Push(ctx, "email", &model.Job{Topic: "email"})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := m.Pop(ctx, "email", 0)
				if err != nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestMemory_CloseWakesWaiters(t *testing.T) {
	m := NewMemory()
	done := make(chan error, 1)
	go func() {
		_, err := m.Pop(context.Background(), "email", time.Minute)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pop did not return after close")
	}
}
