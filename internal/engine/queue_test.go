package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for _, m := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(event{kind: eventRetry, movement: m}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.movement)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()

	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Enqueue(event{kind: eventResume})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no wakeup after enqueue")
	}
	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, eventResume, e.kind)
}

func TestEventQueue_SignalsCoalesce(t *testing.T) {
	q := newEventQueue()
	for i := 0; i < 10; i++ {
		q.Enqueue(event{kind: eventRetry})
	}
	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("expected a single pending wakeup")
	default:
	}
	assert.Equal(t, 10, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{kind: eventRetry, movement: "A"})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(event{kind: eventRetry, movement: "B"}))
	e, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "A", e.movement)

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue must wake waiters")
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()
	const producers, each = 20, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Enqueue(event{kind: eventRetry})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*each, q.Len())
}
