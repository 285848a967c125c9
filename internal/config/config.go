package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP     HTTP     `envPrefix:"HTTP_"`
		Log      Log      `envPrefix:"LOG_"`
		Disk     Disk     `envPrefix:"DISK_"`
		Cache    Cache    `envPrefix:"CACHE_"`
		Fetch    Fetch    `envPrefix:"FETCH_"`
		Provider Provider `envPrefix:"PROVIDER_"`
		Chart    Chart    `envPrefix:"CHART_"`
		Vips     Vips     `envPrefix:"VIPS_"`
		Warmup   Warmup   `envPrefix:"WARMUP_"`
	}

	HTTP struct {
		Port          int           `env:"PORT" envDefault:"8080"`
		ReadTimeout   time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout   time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		AllowedOrigin string        `env:"ALLOWED_ORIGIN"`
	}

	Log struct {
		Level string `env:"LEVEL" envDefault:"info"`
	}

	Disk struct {
		Enabled bool   `env:"ENABLED" envDefault:"true"`
		Backend string `env:"BACKEND" envDefault:"file"`
		Dir     string `env:"DIR" envDefault:"/data/tiles"`
	}

	Cache struct {
		// Capacity of zero picks the default for the disk setting.
		Capacity      int `env:"CAPACITY" envDefault:"0"`
		ImageBudgetMB int `env:"IMAGE_BUDGET_MB" envDefault:"256"`
		MemoSize      int `env:"MEMO_SIZE" envDefault:"256"`
	}

	Fetch struct {
		Workers    int           `env:"WORKERS" envDefault:"10"`
		Attempts   int           `env:"ATTEMPTS" envDefault:"5"`
		Timeout    time.Duration `env:"TIMEOUT" envDefault:"15s"`
		RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"0s"`
		UserAgent  string        `env:"USER_AGENT" envDefault:"movingmap/1.0"`
	}

	Provider struct {
		StreetURL    string `env:"STREET_URL" envDefault:"https://tile.openstreetmap.org/{z}/{x}/{y}.png"`
		SatelliteURL string `env:"SATELLITE_URL" envDefault:"https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"`
	}

	// Chart is the optional offline raster. An empty path disables it.
	Chart struct {
		Path    string `env:"PATH"`
		Quality int    `env:"QUALITY" envDefault:"82"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	Warmup struct {
		Levels   int    `env:"LEVELS" envDefault:"1"`
		Provider string `env:"PROVIDER" envDefault:"street"`
	}
)

// Load reads the configuration from the environment, after merging an
// optional .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Disk.Enabled && strings.TrimSpace(c.Disk.Dir) == "" {
		return fmt.Errorf("DISK_DIR is required when DISK_ENABLED is set")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be positive, got %d", c.Fetch.Workers)
	}
	if c.Fetch.Attempts <= 0 {
		return fmt.Errorf("FETCH_ATTEMPTS must be positive, got %d", c.Fetch.Attempts)
	}
	return nil
}

// ImageBudget is the decoded image budget in bytes.
func (c *Config) ImageBudget() int64 {
	return int64(c.Cache.ImageBudgetMB) << 20
}
