package tilecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"movingmap/internal/cache"
	"movingmap/internal/fetch"
	"movingmap/internal/queue"
	"movingmap/internal/tile"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func street(z, x, y int) tile.Key {
	return tile.Key{Provider: tile.ProviderStreet, Zoom: z, X: x, Y: y}
}

func pngTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	img.Set(10, 10, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubFetcher counts calls per key and delegates to fn.
type stubFetcher struct {
	mu    sync.Mutex
	calls map[tile.Key]int
	order []tile.Key
	fn    func(ctx context.Context, key tile.Key) ([]byte, error)
}

func newStub(fn func(ctx context.Context, key tile.Key) ([]byte, error)) *stubFetcher {
	return &stubFetcher{calls: make(map[tile.Key]int), fn: fn}
}

func (f *stubFetcher) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	f.mu.Lock()
	f.calls[key]++
	f.order = append(f.order, key)
	f.mu.Unlock()
	return f.fn(ctx, key)
}

func (f *stubFetcher) Calls(key tile.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *stubFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *stubFetcher) Order() []tile.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tile.Key(nil), f.order...)
}

type recorder struct {
	NoopMetrics
	hits, misses, evicts, promotes atomic.Int64
	timeouts, errs, loaded, failed atomic.Int64
}

func (r *recorder) Hit()     { r.hits.Add(1) }
func (r *recorder) Miss()    { r.misses.Add(1) }
func (r *recorder) Evict()   { r.evicts.Add(1) }
func (r *recorder) Promote() { r.promotes.Add(1) }
func (r *recorder) Failed()  { r.failed.Add(1) }

func (r *recorder) Loaded(Source) { r.loaded.Add(1) }

func (r *recorder) Attempt(a AttemptResult) {
	switch a {
	case AttemptTimeout:
		r.timeouts.Add(1)
	case AttemptError:
		r.errs.Add(1)
	}
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func started(t *testing.T, opts Options) *Service {
	s := newService(t, opts)
	s.Start(context.Background())
	return s
}

func TestNew_RequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
}

func TestNew_CapacityFollowsDisk(t *testing.T) {
	t.Parallel()

	f := newStub(nil)
	require.Equal(t, cache.DefaultCapacityMemoryOnly, newService(t, Options{Fetcher: f}).Stats().Capacity)

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := newService(t, Options{Fetcher: f, Disk: disk})
	require.Equal(t, cache.DefaultCapacityWithDisk, s.Stats().Capacity)
	require.True(t, s.DiskEnabled())
}

func TestGetTile_ConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	release := make(chan struct{})
	f := newStub(func(context.Context, tile.Key) ([]byte, error) {
		<-release
		return data, nil
	})
	s := started(t, Options{Fetcher: f, Workers: 4})

	k := street(5, 3, 4)
	tiles := make([]*tile.Tile, 32)
	var g errgroup.Group
	for i := range tiles {
		g.Go(func() error {
			tiles[i] = s.GetTile(k)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(release)

	for _, tl := range tiles {
		require.Same(t, tiles[0], tl)
	}
	require.Eventually(t, tiles[0].HasImage, wait, tick)
	require.Equal(t, 1, f.Calls(k))
	require.NotNil(t, tiles[0].Image())
}

func TestGetTile_RetriesFiveTimesThenFails(t *testing.T) {
	t.Parallel()

	errDown := errors.New("connection refused")
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return nil, errDown })
	m := &recorder{}
	s := started(t, Options{Fetcher: f, Metrics: m})

	tl := s.GetTile(street(3, 1, 1))
	require.Eventually(t, tl.IsFailed, wait, tick)

	require.Equal(t, DefaultAttempts, f.Total())
	require.ErrorIs(t, tl.Err(), errDown)
	require.Nil(t, tl.Image())
	require.EqualValues(t, DefaultAttempts, m.errs.Load())
	require.EqualValues(t, 1, m.failed.Load())

	// Failed stays failed while cached.
	require.Same(t, tl, s.GetTile(street(3, 1, 1)))
	require.Equal(t, DefaultAttempts, f.Total())
}

func TestGetTile_TimeoutsAreClassified(t *testing.T) {
	t.Parallel()

	f := newStub(func(ctx context.Context, _ tile.Key) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := &recorder{}
	s := started(t, Options{Fetcher: f, Metrics: m, Attempts: 2, FetchTimeout: 10 * time.Millisecond})

	tl := s.GetTile(street(1, 0, 0))
	require.Eventually(t, tl.IsFailed, wait, tick)

	require.ErrorIs(t, tl.Err(), context.DeadlineExceeded)
	require.True(t, fetch.IsTimeout(tl.Err()))
	require.EqualValues(t, 2, m.timeouts.Load())
	require.Zero(t, m.errs.Load())
}

func TestGetTile_RecoversAfterTransientErrors(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	var n atomic.Int32
	f := newStub(func(context.Context, tile.Key) ([]byte, error) {
		if n.Add(1) < 3 {
			return nil, errors.New("503")
		}
		return data, nil
	})
	s := started(t, Options{Fetcher: f, RetryDelay: time.Millisecond})

	tl := s.GetTile(street(2, 1, 1))
	require.Eventually(t, tl.HasImage, wait, tick)
	require.Equal(t, 3, f.Total())
}

func TestGetTile_UndecodableBytesFail(t *testing.T) {
	t.Parallel()

	f := newStub(func(context.Context, tile.Key) ([]byte, error) {
		return []byte("<html>quota exceeded</html>"), nil
	})
	s := started(t, Options{Fetcher: f})

	tl := s.GetTile(street(2, 0, 0))
	require.Eventually(t, tl.IsFailed, wait, tick)
	require.Equal(t, 1, f.Total())
}

func TestGetTile_InvalidKeyNeverFetches(t *testing.T) {
	t.Parallel()

	f := newStub(nil)
	s := started(t, Options{Fetcher: f})

	tl := s.GetTile(street(2, 0, 7))
	require.True(t, tl.IsFailed())
	require.ErrorIs(t, tl.Err(), tile.ErrInvalidKey)
	require.Zero(t, f.Total())
}

func TestGetTile_WrapsLongitude(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	s := started(t, Options{Fetcher: f})

	west := s.GetTile(street(2, -1, 1))
	require.Equal(t, 3, west.Key().X)
	require.Same(t, west, s.GetTile(street(2, 3, 1)))
	require.Same(t, west, s.GetTile(street(2, 7, 1)))
}

func TestGetTile_DiskHitSkipsNetwork(t *testing.T) {
	t.Parallel()

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	k := street(4, 2, 2)
	require.NoError(t, disk.Write(k, pngTile(t)))

	f := newStub(nil)
	s := started(t, Options{Fetcher: f, Disk: disk})

	tl := s.GetTile(k)
	require.Eventually(t, tl.HasImage, wait, tick)
	require.Zero(t, f.Total())
}

func TestGetTile_CorruptDiskFallsBackToNetwork(t *testing.T) {
	t.Parallel()

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	k := street(4, 2, 2)
	require.NoError(t, disk.Write(k, []byte("not a png")))

	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	s := started(t, Options{Fetcher: f, Disk: disk})

	tl := s.GetTile(k)
	require.Eventually(t, tl.HasImage, wait, tick)
	require.Equal(t, 1, f.Calls(k))

	stored, err := disk.Read(k)
	require.NoError(t, err)
	require.Equal(t, data, stored)
}

func TestPrefetchTile_PopulatesDiskWithoutDecoding(t *testing.T) {
	t.Parallel()

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	var decodes atomic.Int32
	dec := decodeCounter{n: &decodes}
	m := &recorder{}
	s := started(t, Options{Fetcher: f, Disk: disk, Decoder: dec, Metrics: m})

	k := street(6, 10, 20)
	s.PrefetchTile(k)
	require.Eventually(t, func() bool { return m.loaded.Load() == 1 }, wait, tick)

	require.True(t, disk.Exists(k))
	require.Zero(t, decodes.Load())
	require.Zero(t, s.Stats().Images)

	// Asking for pixels now loads from disk, not the network.
	tl := s.GetTile(k)
	require.Eventually(t, tl.HasImage, wait, tick)
	require.Equal(t, 1, f.Calls(k))
	require.EqualValues(t, 1, decodes.Load())
}

func TestPrefetchTile_NoopWithoutDisk(t *testing.T) {
	t.Parallel()

	f := newStub(nil)
	s := started(t, Options{Fetcher: f})

	s.PrefetchTile(street(3, 3, 3))
	require.Zero(t, s.Stats().Entries)
	require.Zero(t, f.Total())
}

func TestPrefetchTile_SkipsTilesOnDisk(t *testing.T) {
	t.Parallel()

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	k := street(3, 3, 3)
	require.NoError(t, disk.Write(k, pngTile(t)))

	f := newStub(nil)
	s := newService(t, Options{Fetcher: f, Disk: disk})

	s.PrefetchTile(k)
	s.PrefetchTile(k)
	require.Zero(t, s.Stats().Entries)
}

func TestGetTile_PromotesQueuedPrefetch(t *testing.T) {
	t.Parallel()

	disk, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	m := &recorder{}
	s := newService(t, Options{Fetcher: f, Disk: disk, Workers: 1, Metrics: m})

	a, b := street(5, 1, 1), street(5, 2, 2)
	s.PrefetchTile(a)
	s.PrefetchTile(b)

	tb := s.GetTile(b)
	require.Equal(t, tile.PriorityHigh, tb.Priority())
	require.Same(t, tb, s.GetTile(b))
	require.EqualValues(t, 1, m.promotes.Load())
	require.Equal(t, 2, s.Stats().Queued)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return f.Total() == 2 }, wait, tick)
	require.Equal(t, []tile.Key{b, a}, f.Order())
	require.Eventually(t, tb.HasImage, wait, tick)
}

func TestTile_ReclaimedImageIsFetchedAgain(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	s := started(t, Options{Fetcher: f, ImageBudget: 256 * 256 * 4})

	a := s.GetTile(street(3, 0, 0))
	require.Eventually(t, a.HasImage, wait, tick)
	b := s.GetTile(street(3, 1, 0))
	require.Eventually(t, b.HasImage, wait, tick)

	require.False(t, a.HasImage())
	require.Nil(t, a.Image())
	require.Eventually(t, a.HasImage, wait, tick)
	require.Equal(t, 2, f.Calls(a.Key()))
}

func TestEviction_ReleasesImages(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	m := &recorder{}
	s := started(t, Options{Fetcher: f, Capacity: 1, Metrics: m})

	a := s.GetTile(street(3, 0, 0))
	require.Eventually(t, a.HasImage, wait, tick)
	b := s.GetTile(street(3, 1, 0))
	require.Eventually(t, b.HasImage, wait, tick)

	st := s.Stats()
	require.Equal(t, 1, st.Entries)
	require.Equal(t, 1, st.Images)
	require.EqualValues(t, 1, m.evicts.Load())
	require.NotSame(t, a, s.GetTile(a.Key()))
}

func TestGetTile_LoadedTileIsAHit(t *testing.T) {
	t.Parallel()

	data := pngTile(t)
	f := newStub(func(context.Context, tile.Key) ([]byte, error) { return data, nil })
	m := &recorder{}
	s := started(t, Options{Fetcher: f, Metrics: m})

	k := street(2, 2, 2)
	tl := s.GetTile(k)
	require.Eventually(t, tl.HasImage, wait, tick)
	s.GetTile(k)
	require.EqualValues(t, 1, m.hits.Load())
	require.EqualValues(t, 1, m.misses.Load())
}

func TestClose_FailsLateRequests(t *testing.T) {
	t.Parallel()

	f := newStub(nil)
	s := started(t, Options{Fetcher: f})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	tl := s.GetTile(street(1, 1, 1))
	require.True(t, tl.IsFailed())
	require.ErrorIs(t, tl.Err(), queue.ErrClosed)
}

type decodeCounter struct{ n *atomic.Int32 }

func (d decodeCounter) Decode(data []byte) (image.Image, error) {
	d.n.Add(1)
	return png.Decode(bytes.NewReader(data))
}
