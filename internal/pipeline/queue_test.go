package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

func batch(n int) Arrival {
	return Arrival{From: "src", Events: []models.Event{models.NewInsert("t", map[string]interface{}{"id": n})}}
}

func TestQueueKeepsOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(4, 1)
	go func() {
		for i := 0; i < 100; i++ {
			_ = q.Put(ctx, batch(i))
		}
		q.Done()
	}()

	var got []int
	for {
		a, ok, err := q.Get(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, a.Events[0].(*models.InsertRecord).After["id"].(int))
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueueClosesAfterAllProducers(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(8, 2)
	require.NoError(t, q.Put(ctx, batch(1)))
	q.Done()
	require.NoError(t, q.Put(ctx, batch(2)))
	q.Done()

	assert.Error(t, q.Put(ctx, batch(3)))
	for i := 0; i < 2; i++ {
		_, ok, err := q.Get(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, ok, err := q.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueBackpressureBlocksOnlyProducer(t *testing.T) {
	full := NewQueue(1, 1)
	other := NewQueue(1, 1)
	require.NoError(t, full.Put(context.Background(), batch(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var blocked error
	wg.Add(1)
	go func() {
		defer wg.Done()
		blocked = full.Put(ctx, batch(2))
	}()

	// an unrelated queue keeps accepting while the producer above waits
	require.NoError(t, other.Put(context.Background(), batch(1)))
	wg.Wait()
	assert.ErrorIs(t, blocked, context.DeadlineExceeded)
	assert.Equal(t, 1, full.Len())
	assert.Equal(t, 1, full.Cap())
}

func TestQueueGetHonoursContext(t *testing.T) {
	q := NewQueue(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Get(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFanoutClonesForExtraQueues(t *testing.T) {
	ctx := context.Background()
	a, b := NewQueue(1, 1), NewQueue(1, 1)
	ev := models.NewInsert("t", map[string]interface{}{"id": 1})
	require.NoError(t, fanout(ctx, []*Queue{a, b}, "src", []models.Event{ev}))

	first, _, _ := a.Get(ctx)
	second, _, _ := b.Get(ctx)
	assert.Same(t, ev, first.Events[0])
	assert.NotSame(t, ev, second.Events[0])
	second.Events[0].(*models.InsertRecord).After["id"] = 2
	assert.Equal(t, 1, ev.After["id"])
}

func TestQueueDoneReleasesBlockedPut(t *testing.T) {
	q := NewQueue(1, 2)
	require.NoError(t, q.Put(context.Background(), batch(1)))

	released := make(chan error, 1)
	go func() { released <- q.Put(context.Background(), batch(2)) }()

	// the last producers finish while the put above waits for room
	q.Done()
	q.Done()

	select {
	case err := <-released:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("put stayed blocked after the queue closed")
	}
	assert.True(t, q.Closed())

	a, ok, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, a.Events[0].(*models.InsertRecord).After["id"])
	_, ok, err = q.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
