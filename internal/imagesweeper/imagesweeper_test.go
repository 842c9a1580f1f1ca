package imagesweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeleter struct {
	mu      sync.Mutex
	batches [][]string
	fail    int
}

func (d *recordingDeleter) Delete(_ context.Context, keys ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return errors.New("image host unavailable")
	}
	d.batches = append(d.batches, append([]string(nil), keys...))
	return nil
}

func (d *recordingDeleter) deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var all []string
	for _, batch := range d.batches {
		all = append(all, batch...)
	}
	return all
}

func TestSweeperDeletesOnTick(t *testing.T) {
	deleter := &recordingDeleter{}
	sweeper := New(deleter, 10, 10*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Run(ctx)

	require.NoError(t, sweeper.Enqueue("a.png", "b.png"))

	assert.Eventually(t, func() bool {
		return len(deleter.deleted()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, deleter.deleted())
}

func TestSweeperFlushesFullBatch(t *testing.T) {
	deleter := &recordingDeleter{}
	sweeper := New(deleter, 10, time.Hour, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Run(ctx)

	require.NoError(t, sweeper.Enqueue("a.png", "b.png"))

	assert.Eventually(t, func() bool {
		return len(deleter.deleted()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSweeperDropsFailedBatchAndReportsError(t *testing.T) {
	deleter := &recordingDeleter{fail: 1}
	sweeper := New(deleter, 10, 10*time.Millisecond, 100)

	var (
		mu   sync.Mutex
		errs []error
	)
	sweeper.ListenErrors(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Run(ctx)
	require.NoError(t, sweeper.Enqueue("a.png"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sweeper.Enqueue("b.png"))
	assert.Eventually(t, func() bool {
		return len(deleter.deleted()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b.png"}, deleter.deleted(), "the failed key is not retried")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "image host unavailable")
}

func TestSweeperFlushesOnShutdown(t *testing.T) {
	deleter := &recordingDeleter{}
	sweeper := New(deleter, 10, time.Hour, 100)

	require.NoError(t, sweeper.Enqueue("a.png", "b.png"))

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Run(ctx)
	cancel()

	select {
	case <-sweeper.Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, deleter.deleted())
}

func TestSweeperEnqueueDoesNotBlock(t *testing.T) {
	sweeper := New(&recordingDeleter{}, 1, time.Hour, 100)

	require.NoError(t, sweeper.Enqueue("a.png"))
	assert.ErrorIs(t, sweeper.Enqueue("b.png"), ErrQueueFull)
}
