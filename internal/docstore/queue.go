package docstore

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO feeding one subscriber channel. Producers never
// block, so a slow subscriber cannot stall writers.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{notify: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pump forwards queued items to out until ctx is done, then closes out and
// calls done.
func (q *queue[T]) pump(ctx context.Context, out chan<- T, done func()) {
	defer close(out)
	if done != nil {
		defer done()
	}
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		for _, item := range batch {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}
}
