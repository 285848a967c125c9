package image_renderer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
)

// ChartInfo describes the source raster of the chart provider.
type ChartInfo struct {
	Path    string `json:"-"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Bytes   int64  `json:"bytes"`
	ModTime int64  `json:"mod_time"`
}

// metadataPath is the sidecar that caches the probed dimensions.
func metadataPath(chartPath string) string {
	ext := filepath.Ext(chartPath)
	return strings.TrimSuffix(chartPath, ext) + ".json"
}

// LoadChart returns the dimensions of the chart at path. They are read from
// the JSON sidecar when it matches the file, otherwise probed with libvips
// and written back to the sidecar.
func LoadChart(path string, logger *zap.Logger) (*ChartInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat chart: %w", err)
	}

	jsonPath := metadataPath(path)
	if meta, err := loadMetadata(jsonPath); err == nil &&
		meta.Bytes == stat.Size() && meta.ModTime == stat.ModTime().Unix() {
		meta.Path = path
		return meta, nil
	}

	img, err := loadImage(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open chart: %w", err)
	}
	defer img.Close()

	info := &ChartInfo{
		Path:    path,
		Width:   img.Width(),
		Height:  img.Height(),
		Bytes:   stat.Size(),
		ModTime: stat.ModTime().Unix(),
	}

	if err := saveMetadata(jsonPath, info); err != nil {
		logger.Warn("Failed to save chart metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		logger.Info("Created chart metadata", zap.String("json_path", jsonPath))
	}
	return info, nil
}

func loadMetadata(path string) (*ChartInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ChartInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("metadata has no dimensions")
	}

	return &meta, nil
}

func saveMetadata(path string, meta *ChartInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// loadImage opens an image based on file extension. Sequential access is
// enough for probing dimensions; tile extraction needs random access.
func loadImage(path string, sequential bool) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = vips.AccessRandom
		if sequential {
			opts.Access = vips.AccessSequential
		}
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = vips.AccessRandom
		if sequential {
			opts.Access = vips.AccessSequential
		}
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = vips.AccessRandom
		if sequential {
			opts.Access = vips.AccessSequential
		}
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = vips.AccessRandom
		if sequential {
			opts.Access = vips.AccessSequential
		}
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
