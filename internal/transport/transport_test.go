package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []int
}

func (c *collector) sink(ctx context.Context, batch []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, batch...)
	return nil
}

func (c *collector) sorted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int(nil), c.got...)
	sort.Ints(out)
	return out
}

func TestLocalDeliversEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collector{}
	local := NewLocal[int](ctx, c.sink, WithWorkers(4))
	defer local.Close()

	want := []int{}
	for i := 0; i < 50; i++ {
		require.NoError(t, local.Send(ctx, []int{2 * i, 2*i + 1}))
		want = append(want, 2*i, 2*i+1)
	}
	require.NoError(t, local.Send(ctx, nil))

	require.Eventually(t, func() bool { return len(c.sorted()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.sorted())
}

func TestLocalRetriesFailedBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	delivered := make(chan []string, 1)
	local := NewLocal[string](ctx, func(ctx context.Context, batch []string) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		delivered <- batch
		return nil
	}, WithAttempts(5), WithDelay(time.Millisecond))
	defer local.Close()

	require.NoError(t, local.Send(ctx, []string{"hello"}))

	select {
	case batch := <-delivered:
		assert.Equal(t, []string{"hello"}, batch)
	case <-time.After(5 * time.Second):
		t.Fatal("batch was never delivered")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(0), local.Dropped())
}

func TestLocalRejectsAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := NewLocal[int](ctx, (&collector{}).sink)
	require.NoError(t, local.Close())
	require.NoError(t, local.Close())

	err := local.Send(ctx, []int{1})
	assert.ErrorIs(t, err, ErrTransportClosed)
}
