// Package queue orders pending tile fetches.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"movingmap/internal/tile"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("fetch queue closed")

type item struct {
	t        *tile.Tile
	priority tile.Priority
	seq      uint64
	index    int
}

// items implements heap.Interface ordered by priority, then sequence.
type items []*item

func (h items) Len() int { return len(h) }

func (h items) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority // High sorts before Low
	}
	return h[i].seq < h[j].seq
}

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// FetchQueue is a blocking priority queue of tiles awaiting a worker. High
// priority tiles leave before Low ones; within a priority the older
// sequence leaves first. A key is queued at most once.
type FetchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   items
	byKey  map[tile.Key]*item
	closed bool
}

func New() *FetchQueue {
	q := &FetchQueue{byKey: make(map[tile.Key]*item)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds t at its priority and sequence. It reports false when the key
// is already queued or the queue is closed.
func (q *FetchQueue) Enqueue(t *tile.Tile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.byKey[t.Key()]; ok {
		return false
	}

	it := &item{t: t, priority: t.Priority(), seq: t.Sequence()}
	heap.Push(&q.heap, it)
	q.byKey[t.Key()] = it
	q.cond.Signal()
	return true
}

// Promote raises a queued Low tile to High, keeping its sequence. Tiles not
// in the queue are left alone.
func (q *FetchQueue) Promote(t *tile.Tile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[t.Key()]
	if !ok || it.t != t || it.priority != tile.PriorityLow {
		return false
	}

	t.Promote()
	it.priority = tile.PriorityHigh
	heap.Fix(&q.heap, it.index)
	return true
}

// Dequeue removes and returns the head of the queue, waiting while it is
// empty. It fails with ErrClosed after Close, or with the context's error.
func (q *FetchQueue) Dequeue(ctx context.Context) (*tile.Tile, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := heap.Pop(&q.heap).(*item)
	delete(q.byKey, it.t.Key())
	return it.t, nil
}

// Close wakes every waiting Dequeue. Queued tiles are dropped.
func (q *FetchQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *FetchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *FetchQueue) Contains(key tile.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}
