// Package fetch retrieves encoded tiles from their providers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"movingmap/internal/tile"
)

// ErrUnknownProvider is returned for a key no fetcher is registered for.
var ErrUnknownProvider = errors.New("no fetcher for tile provider")

// Fetcher downloads the encoded bytes of one tile. Implementations must honour
// the context deadline; it is the per-attempt timeout.
type Fetcher interface {
	Fetch(ctx context.Context, key tile.Key) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key tile.Key) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key tile.Key) ([]byte, error) { return f(ctx, key) }

// Router dispatches each key to the fetcher of its provider.
type Router map[tile.Provider]Fetcher

func (r Router) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	f, ok := r[key.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, key.Provider)
	}
	return f.Fetch(ctx, key)
}

// StatusError is a non-200 answer from a tile server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile server returned status %d for %s", e.StatusCode, e.URL)
}

// IsTimeout reports whether err is an attempt running out of time rather
// than a failure of the tile source.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
