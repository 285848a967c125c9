package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"movingmap/internal/cache"
	"movingmap/internal/config"
	"movingmap/internal/fetch"
	httphandlers "movingmap/internal/http"
	"movingmap/internal/image_renderer"
	"movingmap/internal/logger"
	"movingmap/internal/metrics/prom"
	"movingmap/internal/tile"
	"movingmap/internal/tilecache"
)

// maxWarmupLevels keeps the warmup grid at a few thousand tiles.
const maxWarmupLevels = 6

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting moving map tile server",
		zap.Int("port", cfg.HTTP.Port),
		zap.Bool("disk", cfg.Disk.Enabled),
		zap.String("disk_dir", cfg.Disk.Dir),
	)

	router := fetch.Router{
		tile.ProviderStreet:    fetch.NewHTTPFetcher(fetch.Template(cfg.Provider.StreetURL), cfg.Fetch.UserAgent, newHTTPClient(cfg), log.Named("street")),
		tile.ProviderSatellite: fetch.NewHTTPFetcher(fetch.Template(cfg.Provider.SatelliteURL), cfg.Fetch.UserAgent, newHTTPClient(cfg), log.Named("satellite")),
	}

	var chart *image_renderer.Renderer
	if cfg.Chart.Path != "" {
		startVips(cfg, log)
		defer vips.Shutdown()

		info, err := image_renderer.LoadChart(cfg.Chart.Path, log)
		if err != nil {
			log.Fatal("Failed to load chart", zap.String("path", cfg.Chart.Path), zap.Error(err))
		}
		chart = image_renderer.New(info, cfg.Chart.Quality, log.Named("chart"))
		router[tile.ProviderChart] = chart

		log.Info("Chart provider enabled",
			zap.String("path", info.Path),
			zap.Int("width", info.Width),
			zap.Int("height", info.Height),
			zap.Int("max_zoom", chart.MaxZoom()),
		)
	}

	disk, closeDisk, err := cache.NewDiskStore(cache.DiskOptions{
		Enabled: cfg.Disk.Enabled,
		Backend: cfg.Disk.Backend,
		Dir:     cfg.Disk.Dir,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize disk cache", zap.Error(err))
	}
	defer func() {
		if err := closeDisk(); err != nil {
			log.Error("Failed to close disk cache", zap.Error(err))
		}
	}()

	svc, err := tilecache.New(tilecache.Options{
		Fetcher:      router,
		Disk:         disk,
		Capacity:     cfg.Cache.Capacity,
		ImageBudget:  cfg.ImageBudget(),
		MemoSize:     cfg.Cache.MemoSize,
		Workers:      cfg.Fetch.Workers,
		Attempts:     cfg.Fetch.Attempts,
		FetchTimeout: cfg.Fetch.Timeout,
		RetryDelay:   cfg.Fetch.RetryDelay,
		Logger:       log.Named("tilecache"),
		Metrics:      prom.New(prometheus.DefaultRegisterer, "movingmap", "tiles"),
	})
	if err != nil {
		log.Fatal("Failed to initialize tile cache", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	if cfg.Warmup.Levels > 0 && svc.DiskEnabled() {
		go warmupTiles(cfg.Warmup, svc, chart, log)
	}

	handlers := httphandlers.New(svc, cfg.HTTP.AllowedOrigin, log.Named("http"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      handlers.Router(promhttp.Handler()),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server started", zap.Int("port", cfg.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		return svc.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		return
	}
	log.Info("Server stopped")
}

func newHTTPClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.Fetch.Workers
	return &http.Client{Transport: transport}
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                 // Disable disk cache
		MaxCacheSize:     0,                                 // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	// Map vips log levels to zap levels
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)
}

// warmupTiles prefetches the low zoom levels of one provider into the disk
// store so a cold start draws an overview without waiting on the network.
func warmupTiles(warmup config.Warmup, svc *tilecache.Service, chart *image_renderer.Renderer, log *zap.Logger) {
	provider, err := tile.ParseProvider(warmup.Provider)
	if err != nil {
		log.Warn("Skipping tile warmup", zap.Error(err))
		return
	}
	if provider == tile.ProviderChart && chart == nil {
		log.Warn("Skipping tile warmup, no chart configured")
		return
	}

	levels := warmup.Levels
	if levels > maxWarmupLevels {
		log.Warn("Clamping warmup levels", zap.Int("requested", levels), zap.Int("max", maxWarmupLevels))
		levels = maxWarmupLevels
	}
	if provider == tile.ProviderChart && levels > chart.MaxZoom() {
		levels = chart.MaxZoom()
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Stringer("provider", provider))

	count := 0
	for z := 0; z <= levels; z++ {
		cols, rows := 1<<z, 1<<z
		if provider == tile.ProviderChart {
			cols, rows = chart.GridSize(z)
		}
		for x := 0; x < cols; x++ {
			for y := 0; y < rows; y++ {
				svc.PrefetchTile(tile.Key{Provider: provider, Zoom: z, X: x, Y: y})
				count++
			}
		}
	}

	log.Info("Tile warmup queued", zap.Int("tiles", count))
}
