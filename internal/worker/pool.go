// Package worker runs the fixed set of goroutines that drain the fetch queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"movingmap/internal/queue"
	"movingmap/internal/tile"
)

// DefaultSize is the number of concurrent fetches.
const DefaultSize = 10

// Handler processes one dequeued tile. It owns the tile until it returns.
type Handler func(ctx context.Context, t *tile.Tile)

type Pool struct {
	queue  *queue.FetchQueue
	size   int
	handle Handler
	logger *zap.Logger

	group *errgroup.Group
}

func New(q *queue.FetchQueue, size int, handle Handler, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:  q,
		size:   size,
		handle: handle,
		logger: logger,
	}
}

func (p *Pool) Size() int { return p.size }

// Start launches the workers. They stop when the queue is closed or ctx is
// done; a tile already taken is still processed to completion.
func (p *Pool) Start(ctx context.Context) {
	g := &errgroup.Group{}
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			return p.run(ctx, id)
		})
	}
	p.group = g

	p.logger.Info("Tile workers started", zap.Int("workers", p.size))
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() error {
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

func (p *Pool) run(ctx context.Context, id int) error {
	for {
		t, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				p.logger.Debug("Tile worker stopped", zap.Int("worker", id))
				return nil
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		p.process(context.WithoutCancel(ctx), id, t)
	}
}

func (p *Pool) process(ctx context.Context, id int, t *tile.Tile) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Tile worker panic",
				zap.Int("worker", id),
				zap.Stringer("key", t.Key()),
				zap.Any("panic", r),
			)
			t.Fail(fmt.Errorf("tile worker panic: %v", r))
		}
	}()

	p.handle(ctx, t)
}
