package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSweeper struct {
	name  string
	n     int
	err   error
	calls atomic.Int32
}

func (f *fakeSweeper) Name() string { return f.name }

func (f *fakeSweeper) Sweep(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestSweepOnce(t *testing.T) {
	sessions := &fakeSweeper{name: "sessions", n: 2}
	broken := &fakeSweeper{name: "broken", err: errors.New("boom")}
	jobs := &fakeSweeper{name: "jobs", n: 1}

	w := NewWorker(time.Minute, nil, sessions, broken, jobs)
	var mu sync.Mutex
	seen := map[string]int{}
	w.OnSweep(func(name string, evicted int) {
		mu.Lock()
		defer mu.Unlock()
		seen[name] = evicted
	})

	got := w.SweepOnce(context.Background())
	assert.Equal(t, map[string]int{"sessions": 2, "jobs": 1}, got)
	assert.Equal(t, map[string]int{"sessions": 2, "jobs": 1}, seen)
	assert.Equal(t, int32(1), broken.calls.Load())
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	s := &fakeSweeper{name: "sessions"}
	w := NewWorker(5*time.Millisecond, nil, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return s.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSweepOnceStopsWhenCanceled(t *testing.T) {
	s := &fakeSweeper{name: "sessions"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, NewWorker(0, nil, s).SweepOnce(ctx))
	assert.Equal(t, int32(0), s.calls.Load())
}
