package core

import (
	"sync"

	fuse "github.com/frostbyte73/core"
	"github.com/gammazero/deque"
)

// opsQueue runs closures one at a time in FIFO order on its own goroutine.
// Ops enqueued before stop are still drained.
type opsQueue struct {
	name string

	mu      sync.Mutex
	ops     deque.Deque[func()]
	stopped bool
	wake    chan struct{}

	done fuse.Fuse
}

func newOpsQueue(name string) *opsQueue {
	return &opsQueue{
		name: name,
		wake: make(chan struct{}, 1),
		done: fuse.NewFuse(),
	}
}

func (q *opsQueue) start() {
	go q.process()
}

func (q *opsQueue) enqueue(op func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.ops.PushBack(op)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *opsQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.signal()
}

// drained is closed once the worker has exited.
func (q *opsQueue) drained() <-chan struct{} {
	return q.done.Watch()
}

func (q *opsQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *opsQueue) process() {
	defer q.done.Break()
	for {
		q.mu.Lock()
		if q.ops.Len() == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		op := q.ops.PopFront()
		q.mu.Unlock()

		op()
	}
}
