// Package tilecache is the tile acquisition engine behind the moving map.
//
// GetTile and PrefetchTile never block on I/O: they return or create the
// cached tile and leave fetching to a pool of workers that read the disk
// store, fall back to the network and decode the result.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"movingmap/internal/cache"
	"movingmap/internal/decode"
	"movingmap/internal/fetch"
	"movingmap/internal/queue"
	"movingmap/internal/tile"
	"movingmap/internal/worker"
)

const (
	DefaultAttempts     = 5
	DefaultFetchTimeout = 15 * time.Second
)

var errNoFetcher = errors.New("tilecache: fetcher is required")

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Fetcher fetch.Fetcher
	Disk    cache.DiskStore
	Decoder decode.Decoder

	// Capacity bounds the number of cached tiles. Zero picks 250 with a
	// disk store and 2500 without.
	Capacity    int
	ImageBudget int64
	MemoSize    int
	Workers     int

	Attempts     int
	FetchTimeout time.Duration
	RetryDelay   time.Duration

	Logger  *zap.Logger
	Metrics Metrics
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Entries     int   `json:"entries"`
	Capacity    int   `json:"capacity"`
	Queued      int   `json:"queued"`
	Images      int   `json:"images"`
	ImageBytes  int64 `json:"image_bytes"`
	DiskEnabled bool  `json:"disk_enabled"`
}

type Service struct {
	mu     sync.Mutex // guards tiles and every enqueue or promote
	tiles  *cache.MemoryCache
	images *cache.ImageCache
	queue  *queue.FetchQueue
	pool   *worker.Pool
	disk   *cache.ExistenceMemo

	fetcher  fetch.Fetcher
	decoder  decode.Decoder
	attempts int
	timeout  time.Duration
	delay    time.Duration

	logger  *zap.Logger
	metrics Metrics

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	closeErr  error
}

func New(opts Options) (*Service, error) {
	if opts.Fetcher == nil {
		return nil, errNoFetcher
	}
	if opts.Disk == nil {
		opts.Disk = cache.NewNoopStore()
	}
	if opts.Decoder == nil {
		opts.Decoder = decode.Std{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = cache.DefaultCapacityMemoryOnly
		if opts.Disk.Enabled() {
			opts.Capacity = cache.DefaultCapacityWithDisk
		}
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}

	s := &Service{
		images:   cache.NewImageCache(opts.ImageBudget),
		queue:    queue.New(),
		disk:     cache.NewExistenceMemo(opts.Disk, opts.MemoSize),
		fetcher:  opts.Fetcher,
		decoder:  opts.Decoder,
		attempts: opts.Attempts,
		timeout:  opts.FetchTimeout,
		delay:    opts.RetryDelay,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	s.tiles = cache.NewMemoryCache(cache.MemoryCacheOptions{
		Capacity: opts.Capacity,
		NewTile: func(key tile.Key, p tile.Priority, seq uint64) *tile.Tile {
			return tile.New(key, p, seq, s.images, s.reload)
		},
		OnEvict: s.evicted,
	})
	s.pool = worker.New(s.queue, opts.Workers, s.process, s.logger)

	return s, nil
}

// Start launches the fetch workers.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.pool.Start(ctx)
		s.logger.Info("Tile cache started",
			zap.Int("capacity", s.tiles.Capacity()),
			zap.Int("workers", s.pool.Size()),
			zap.Bool("disk", s.disk.Enabled()),
		)
	})
}

// Close stops accepting fetches, drops queued tiles and waits for the
// fetches already running.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.queue.Close()
		s.closeErr = s.pool.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("Tile cache stopped")
	})
	return s.closeErr
}

// DiskEnabled reports whether fetched tiles are persisted.
func (s *Service) DiskEnabled() bool { return s.disk.Enabled() }

// GetTile returns the tile for key, queueing it at high priority when it
// has nothing to draw. The tile may still be loading; callers poll it on
// the next frame.
func (s *Service) GetTile(key tile.Key) *tile.Tile {
	key = key.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, isNew := s.tiles.LookupOrCreate(key, tile.PriorityHigh)
	if isNew {
		if !key.Valid() {
			t.Fail(fmt.Errorf("%w: %s", tile.ErrInvalidKey, key))
			return t
		}
		s.metrics.Miss()
		s.enqueueLocked(t)
		return t
	}

	switch t.State() {
	case tile.StateQueued:
		if s.queue.Promote(t) {
			s.metrics.Promote()
			s.logger.Debug("Promoted prefetch tile", zap.Stringer("key", key))
		}
	case tile.StateUnrequested, tile.StateLoaded:
		if t.Requeue(tile.PriorityHigh) {
			s.metrics.Miss()
			s.enqueueLocked(t)
		} else {
			s.metrics.Hit()
		}
	}
	return t
}

// PrefetchTile warms the disk store for key at low priority. Without a disk
// store there is nowhere to keep the result and the call does nothing.
func (s *Service) PrefetchTile(key tile.Key) {
	if !s.disk.Enabled() {
		return
	}
	key = key.Normalize()
	if !key.Valid() || s.disk.Exists(key) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, isNew := s.tiles.LookupOrCreate(key, tile.PriorityLow); isNew {
		s.enqueueLocked(t)
	}
}

// Stats reports cache occupancy.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	entries := s.tiles.Len()
	s.mu.Unlock()

	return Stats{
		Entries:     entries,
		Capacity:    s.tiles.Capacity(),
		Queued:      s.queue.Len(),
		Images:      s.images.Len(),
		ImageBytes:  s.images.Used(),
		DiskEnabled: s.disk.Enabled(),
	}
}

func (s *Service) enqueueLocked(t *tile.Tile) {
	if !s.queue.Enqueue(t) {
		t.Fail(queue.ErrClosed)
	}
	s.metrics.Size(s.tiles.Len(), s.queue.Len(), s.images.Used())
}

// reload queues a loaded tile again after its image was reclaimed.
func (s *Service) reload(t *tile.Tile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.tiles.Peek(t.Key()); !ok || cur != t {
		return
	}
	if t.Requeue(tile.PriorityHigh) {
		s.logger.Debug("Reloading reclaimed tile", zap.Stringer("key", t.Key()))
		s.enqueueLocked(t)
	}
}

func (s *Service) evicted(t *tile.Tile) {
	if gen := t.Generation(); gen != 0 {
		s.images.Remove(t.Key(), gen)
	}
	s.metrics.Evict()
}

// process is the worker handler for one dequeued tile.
func (s *Service) process(ctx context.Context, t *tile.Tile) {
	if !t.MarkLoading() {
		return
	}
	key := t.Key()
	prio := t.Priority()
	log := s.logger.With(zap.Stringer("key", key), zap.Stringer("priority", prio))

	if s.disk.Enabled() && s.disk.Exists(key) {
		if prio == tile.PriorityLow {
			t.Complete(0)
			s.metrics.Loaded(SourceDisk)
			return
		}
		img, err := s.readDisk(key)
		if err == nil {
			s.deliver(t, img)
			s.metrics.Loaded(SourceDisk)
			return
		}
		log.Warn("Cached tile unreadable, fetching again", zap.Error(err))
	}

	data, err := s.fetchWithRetry(ctx, key, log)
	if err != nil {
		log.Error("Tile fetch failed", zap.Error(err))
		s.metrics.Failed()
		t.Fail(err)
		return
	}

	if s.disk.Enabled() {
		if err := s.disk.Write(key, data); err != nil {
			log.Warn("Failed to store tile", zap.Error(err))
		}
	}

	if prio == tile.PriorityLow {
		t.Complete(0)
		s.metrics.Loaded(SourceNetwork)
		return
	}

	img, err := s.decoder.Decode(data)
	if err != nil {
		log.Error("Fetched tile is not an image", zap.Error(err))
		s.metrics.Failed()
		t.Fail(fmt.Errorf("decode %s: %w", key, err))
		return
	}
	s.deliver(t, img)
	s.metrics.Loaded(SourceNetwork)
}

func (s *Service) readDisk(key tile.Key) (image.Image, error) {
	data, err := s.disk.Read(key)
	if err != nil {
		return nil, err
	}
	return s.decoder.Decode(data)
}

func (s *Service) deliver(t *tile.Tile, img image.Image) {
	gen := s.images.Put(t.Key(), img)
	if !t.Complete(gen) {
		s.images.Remove(t.Key(), gen)
	}
}

func (s *Service) fetchWithRetry(ctx context.Context, key tile.Key, log *zap.Logger) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		data, err := s.fetcher.Fetch(actx, key)
		cancel()
		if err == nil {
			s.metrics.Attempt(AttemptOK)
			return data, nil
		}
		lastErr = err

		if fetch.IsTimeout(err) {
			s.metrics.Attempt(AttemptTimeout)
			log.Debug("Tile fetch timed out", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			s.metrics.Attempt(AttemptError)
			log.Warn("Tile fetch attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt < s.attempts && s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("fetch %s: %w", key, ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("fetch %s: %d attempts: %w", key, s.attempts, lastErr)
}
