// Package image_renderer cuts map tiles out of a local chart raster with
// libvips. It serves the chart provider the same way an HTTP fetcher serves
// the online ones.
package image_renderer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"movingmap/internal/fetch"
	"movingmap/internal/tile"
)

const tileSize = 256

// ErrOutsideChart is returned for a key the chart does not cover.
var ErrOutsideChart = errors.New("tile outside chart")

type Renderer struct {
	chart   *ChartInfo
	maxZoom int
	quality int
	logger  *zap.Logger
}

func New(chart *ChartInfo, quality int, logger *zap.Logger) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = 82
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		chart:   chart,
		maxZoom: CalculateMaxZoom(chart.Width, chart.Height),
		quality: quality,
		logger:  logger,
	}
}

// CalculateMaxZoom is the zoom level at which one tile pixel is one chart
// pixel.
func CalculateMaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / tileSize
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

func (r *Renderer) MaxZoom() int { return r.maxZoom }

// GridSize is the number of tile columns and rows at zoom z.
func (r *Renderer) GridSize(z int) (cols, rows int) {
	pixelsPerTile := tileSize * math.Pow(2, float64(r.maxZoom-z))
	cols = int(math.Ceil(float64(r.chart.Width) / pixelsPerTile))
	rows = int(math.Ceil(float64(r.chart.Height) / pixelsPerTile))
	return cols, rows
}

// window is the source rectangle of one tile and the scale down to tile size.
type window struct {
	x, y, width, height int
	scale               float64
}

func tileWindow(chartW, chartH, maxZoom, z, x, y int) (window, error) {
	if z < 0 || z > maxZoom {
		return window{}, fmt.Errorf("%w: zoom %d exceeds max zoom %d", ErrOutsideChart, z, maxZoom)
	}

	// At zoom 0 one tile covers the whole chart; each level halves it.
	pixelsPerTile := tileSize * math.Pow(2, float64(maxZoom-z))

	// Edge tiles are clamped to the chart and padded later.
	startX := int(float64(x) * pixelsPerTile)
	startY := int(float64(y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(chartW)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(chartH)))

	w := window{x: startX, y: startY, width: endX - startX, height: endY - startY, scale: tileSize / pixelsPerTile}
	if x < 0 || y < 0 || w.width <= 0 || w.height <= 0 {
		return window{}, fmt.Errorf("%w: %d/%d/%d", ErrOutsideChart, z, x, y)
	}
	return w, nil
}

// Fetch renders the chart tile for key as JPEG. libvips calls cannot be
// interrupted, so the context is only checked before rendering starts.
func (r *Renderer) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	if key.Provider != tile.ProviderChart {
		return nil, fmt.Errorf("%w: %s", fetch.ErrUnknownProvider, key.Provider)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	win, err := tileWindow(r.chart.Width, r.chart.Height, r.maxZoom, key.Zoom, key.X, key.Y)
	if err != nil {
		return nil, err
	}

	image, err := loadImage(r.chart.Path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open chart: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(win.x, win.y, win.width, win.height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(win.scale, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Pad edge tiles to the full size, anchored top-left to keep alignment.
	if image.Width() < tileSize || image.Height() < tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221} // #ddd
		if err := image.Embed(0, 0, tileSize, tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = r.quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	r.logger.Debug("Rendered chart tile", zap.Stringer("key", key), zap.Int("bytes", len(data)))
	return data, nil
}

var _ fetch.Fetcher = (*Renderer)(nil)
