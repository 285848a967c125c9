package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"movingmap/internal/tile"
)

const (
	DefaultStreetURL    = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	DefaultSatelliteURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"

	defaultUserAgent = "movingmap/1.0"

	// maxTileBytes caps a single tile download.
	maxTileBytes = 8 << 20
)

// URLBuilder maps a key to the address of its tile.
type URLBuilder func(key tile.Key) string

// Template builds URLs by substituting {z}, {x} and {y} in tmpl.
func Template(tmpl string) URLBuilder {
	return func(key tile.Key) string {
		r := strings.NewReplacer(
			"{z}", strconv.Itoa(key.Zoom),
			"{x}", strconv.Itoa(key.X),
			"{y}", strconv.Itoa(key.Y),
		)
		return r.Replace(tmpl)
	}
}

// HTTPFetcher downloads tiles from a tile server.
type HTTPFetcher struct {
	url        URLBuilder
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPFetcher returns a fetcher for one provider. A nil client uses
// http.DefaultClient; attempt deadlines come from the request context.
func NewHTTPFetcher(url URLBuilder, userAgent string, client *http.Client, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		url:        url,
		userAgent:  userAgent,
		httpClient: client,
		logger:     logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	url := f.url(key)
	f.logger.Debug("fetching tile", zap.Stringer("key", key), zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Tile usage policies require an identifying User-Agent
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	if len(data) > maxTileBytes {
		return nil, fmt.Errorf("tile %s exceeds %d bytes", key, maxTileBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("tile server returned an empty body")
	}

	return data, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
