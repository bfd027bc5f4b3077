package model

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeQueue_FIFO(t *testing.T) {
	q := newChangeQueue()
	for v := int64(1); v <= 3; v++ {
		require.True(t, q.Enqueue(&ChangeSet{Version: v}))
	}
	assert.Equal(t, 3, q.Len())

	for v := int64(1); v <= 3; v++ {
		cs, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, v, cs.Version)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestChangeQueue_SignalCoalesces(t *testing.T) {
	q := newChangeQueue()
	q.Enqueue(&ChangeSet{Version: 1})
	q.Enqueue(&ChangeSet{Version: 2})

	select {
	case _, open := <-q.Wait():
		assert.True(t, open)
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestChangeQueue_CloseWakesWaiters(t *testing.T) {
	q := newChangeQueue()
	done := make(chan bool)
	go func() {
		_, open := <-q.Wait()
		done <- open
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case open := <-done:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}
	assert.False(t, q.Enqueue(&ChangeSet{}), "enqueue after close should fail")
}

func TestChangeQueue_ThreadSafe(t *testing.T) {
	q := newChangeQueue()
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(&ChangeSet{})
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}
