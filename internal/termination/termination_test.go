package termination

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

	"github.com/davidroman0O/durable/internal/faults"
	"github.com/davidroman0O/durable/internal/logs"
)

func TestWarningsDoNotTerminate(t *testing.T) {
	var buf bytes.Buffer
	h := New(context.Background(), "shard-0", WithLogger(logs.NewLogger(&buf, logs.LevelDebug, logs.JSONFormat)))

	assert.False(t, h.HandleError(context.Background(), "dispatch", "lease lost", errors.New("x"), false, true))
	assert.Equal(t, NotTerminated, h.Outcome())
	assert.NoError(t, h.Context().Err())
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestFatalAlwaysTerminates(t *testing.T) {
	h := New(context.Background(), "shard-0")
	var seen []Outcome
	h.OnTerminate(func(o Outcome) { seen = append(seen, o) })

	terminated := h.HandleError(context.Background(), "load", "corrupted state", faults.Fatal("bad json", nil), false, true)
	require.True(t, terminated)
	assert.Equal(t, TerminatedWithError, h.Outcome())
	assert.ErrorIs(t, h.Context().Err(), context.Canceled)
	assert.Equal(t, []Outcome{TerminatedWithError}, seen)
	assert.ErrorIs(t, h.Cause(), ErrShardTerminated)
	assert.True(t, h.WaitForTermination(time.Second))
}

func TestFirstTransitionWins(t *testing.T) {
	h := New(context.Background(), "shard-0")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = h.TerminateNormally(context.Background())
			} else {
				won = h.HandleError(context.Background(), "w", "boom", errors.New("boom"), true, false)
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.NotEqual(t, NotTerminated, h.Outcome())
}

func TestShutdownRunsOnceAndAsync(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := New(context.Background(), "shard-0", WithShutdown(func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}))

	start := time.Now()
	require.True(t, h.TerminateNormally(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "a slow shutdown must not block the caller")
	assert.False(t, h.TerminateNormally(context.Background()))

	assert.False(t, h.WaitForTermination(20*time.Millisecond))
	close(release)
	assert.True(t, h.WaitForTermination(time.Second))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, TerminatedNormally, h.Outcome())
	assert.Nil(t, h.Cause())
}

func TestLateListenerCalledImmediately(t *testing.T) {
	h := New(context.Background(), "shard-0")
	h.TerminateNormally(context.Background())
	var got Outcome
	h.OnTerminate(func(o Outcome) { got = o })
	assert.Equal(t, TerminatedNormally, got)
}
