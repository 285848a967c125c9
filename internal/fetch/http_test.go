package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"movingmap/internal/tile"
)

var k = tile.Key{Provider: tile.ProviderSatellite, Zoom: 4, X: 3, Y: 9}

func TestTemplate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://tile.openstreetmap.org/4/3/9.png", Template(DefaultStreetURL)(k))
	require.Equal(t,
		"https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/4/9/3",
		Template(DefaultSatelliteURL)(k))
}

func TestHTTPFetcher_OK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/4/3/9.png", r.URL.Path)
		require.Equal(t, "test-agent", r.UserAgent())
		w.Write([]byte("tile-bytes"))
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(Template(srv.URL+"/{z}/{x}/{y}.png"), "test-agent", srv.Client(), nil)
	data, err := f.Fetch(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, []byte("tile-bytes"), data)
}

func TestHTTPFetcher_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(Template(srv.URL+"/{z}/{x}/{y}"), "", srv.Client(), nil)
	_, err := f.Fetch(context.Background(), k)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.StatusCode)
	require.False(t, IsTimeout(err))
}

func TestHTTPFetcher_EmptyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(Template(srv.URL+"/{z}/{x}/{y}"), "", srv.Client(), nil)
	_, err := f.Fetch(context.Background(), k)
	require.Error(t, err)
}

func TestHTTPFetcher_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := NewHTTPFetcher(Template(srv.URL+"/{z}/{x}/{y}"), "", srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, k)
	require.Error(t, err)
	require.True(t, IsTimeout(err), "got %v", err)
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	require.False(t, IsTimeout(nil))
	require.False(t, IsTimeout(errors.New("connection refused")))
	require.True(t, IsTimeout(fmt.Errorf("attempt: %w", context.DeadlineExceeded)))
}

func TestRouter(t *testing.T) {
	t.Parallel()

	r := Router{
		tile.ProviderSatellite: FetcherFunc(func(context.Context, tile.Key) ([]byte, error) {
			return []byte("sat"), nil
		}),
	}
	data, err := r.Fetch(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, []byte("sat"), data)

	_, err = r.Fetch(context.Background(), tile.Key{Provider: tile.ProviderStreet})
	require.ErrorIs(t, err, ErrUnknownProvider)
}
