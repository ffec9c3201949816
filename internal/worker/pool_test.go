package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(3, 10, nil)
	p.Start(context.Background())

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Stop()
	assert.Equal(t, int32(10), n.Load())
}

func TestPoolQueueFull(t *testing.T) {
	p := New(1, 1, nil)
	p.Start(context.Background())
	defer p.Stop()

	block := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) {
		close(running)
		<-block
	}))
	<-running

	require.NoError(t, p.Submit(func(context.Context) {}))
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrQueueFull)
	close(block)
}

func TestPoolStopDrainsAndRejects(t *testing.T) {
	p := New(1, 5, nil)
	p.Start(context.Background())

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			n.Add(1)
		}))
	}
	p.Stop()
	assert.Equal(t, int32(5), n.Load())
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrPoolStopped)
	p.Stop()
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := New(1, 2, nil)
	p.Start(context.Background())

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second task never ran")
	}
	p.Stop()
}

func TestPoolContextOutlivesCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(1, 1, nil)
	p.Start(ctx)
	cancel()

	got := make(chan error, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) { got <- ctx.Err() }))
	assert.NoError(t, <-got)
	p.Stop()
}
