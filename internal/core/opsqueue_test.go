package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpsQueueRunsInOrder(t *testing.T) {
	q := newOpsQueue("test")
	q.start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.enqueue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.stop()

	select {
	case <-q.drained():
	case <-time.After(time.Second):
		t.Fatal("queue did not drain")
	}
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestOpsQueueRejectsAfterStop(t *testing.T) {
	q := newOpsQueue("test")
	q.start()
	q.stop()
	q.stop()
	require.False(t, q.enqueue(func() {}))
	<-q.drained()
}

func TestOpsQueueNeverOverlaps(t *testing.T) {
	q := newOpsQueue("test")
	q.start()
	defer q.stop()

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			q.enqueue(func() {
				defer wg.Done()
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxRunning)
}
