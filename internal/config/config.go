// Package config loads harvest settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// S3 holds the optional photo bucket settings. The bucket is any
// S3-compatible service reachable through a custom endpoint.
type S3 struct {
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	PublicURL string // base URL prepended to object keys in stored records
}

// Configured reports whether photo upload should target the bucket
// instead of the local photos directory.
func (s S3) Configured() bool {
	return s.Bucket != "" && s.AccessKey != "" && s.SecretKey != ""
}

// Config is the full harvest configuration. It is built once in main and
// passed down; nothing reads the environment after Load returns.
type Config struct {
	APIKey  string
	BaseURL string

	MinLat, MinLng float64
	MaxLat, MaxLng float64

	RadiusM     float64
	Overlap     float64
	PriorityLat float64
	PriorityLng float64

	MaxRetries     int
	RateDelay      time.Duration
	PageTokenDelay time.Duration
	MaxPhotos      int
	PhotoMaxWidth  int
	Concurrency    int

	OutputDir string
	PGDSN     string
	S3        S3
}

const defaultBaseURL = "https://maps.googleapis.com/maps/api/place"

// Load reads the environment (a .env file is honored when present) and
// applies defaults. A value that is set but unparsable is a fatal
// error: a typo'd bounding box must not silently harvest the default
// region. Validation of the parsed values is separate so --status can
// run with a partial environment.
func Load() (Config, error) {
	godotenv.Load()

	var errs []error

	cfg := Config{
		APIKey:  os.Getenv("HARVEST_API_KEY"),
		BaseURL: envString("HARVEST_BASE_URL", defaultBaseURL),

		MinLat: envFloat("HARVEST_MIN_LAT", 0, &errs),
		MinLng: envFloat("HARVEST_MIN_LNG", 0, &errs),
		MaxLat: envFloat("HARVEST_MAX_LAT", 0, &errs),
		MaxLng: envFloat("HARVEST_MAX_LNG", 0, &errs),

		RadiusM: envFloat("HARVEST_RADIUS_M", 1000, &errs),
		Overlap: envFloat("HARVEST_OVERLAP", 0.3, &errs),

		MaxRetries:     envInt("HARVEST_MAX_RETRIES", 3, &errs),
		RateDelay:      time.Duration(envInt("HARVEST_RATE_DELAY_MS", 200, &errs)) * time.Millisecond,
		PageTokenDelay: time.Duration(envInt("HARVEST_PAGE_TOKEN_DELAY_S", 2, &errs)) * time.Second,
		MaxPhotos:      envInt("HARVEST_MAX_PHOTOS", 5, &errs),
		PhotoMaxWidth:  envInt("HARVEST_PHOTO_MAX_WIDTH", 800, &errs),
		Concurrency:    envInt("HARVEST_CONCURRENCY", 1, &errs),

		OutputDir: envString("HARVEST_OUTPUT_DIR", "./harvest"),
		PGDSN:     os.Getenv("HARVEST_PG_DSN"),
		S3: S3{
			Bucket:    os.Getenv("HARVEST_S3_BUCKET"),
			Endpoint:  os.Getenv("HARVEST_S3_ENDPOINT"),
			AccessKey: os.Getenv("HARVEST_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("HARVEST_S3_SECRET_KEY"),
			Region:    envString("HARVEST_S3_REGION", "auto"),
			PublicURL: os.Getenv("HARVEST_S3_PUBLIC_URL"),
		},
	}

	// Priority point defaults to the box midpoint.
	cfg.PriorityLat = envFloat("HARVEST_PRIORITY_LAT", (cfg.MinLat+cfg.MaxLat)/2, &errs)
	cfg.PriorityLng = envFloat("HARVEST_PRIORITY_LNG", (cfg.MinLng+cfg.MaxLng)/2, &errs)

	return cfg, errors.Join(errs...)
}

// Validate checks everything a grid or harvest run depends on.
func (c Config) Validate() error {
	if c.MinLat >= c.MaxLat || c.MinLng >= c.MaxLng {
		return fmt.Errorf("invalid bounding box [%.4f,%.4f]-[%.4f,%.4f]: min must be strictly below max",
			c.MinLat, c.MinLng, c.MaxLat, c.MaxLng)
	}
	if c.RadiusM <= 0 {
		return fmt.Errorf("HARVEST_RADIUS_M must be positive, got %.1f", c.RadiusM)
	}
	if c.Overlap <= 0 || c.Overlap >= 1 {
		return fmt.Errorf("HARVEST_OVERLAP must be in (0,1), got %.2f", c.Overlap)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("HARVEST_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("HARVEST_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	return nil
}

// RequireAPIKey is the extra check for commands that hit the upstream API.
func (c Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("HARVEST_API_KEY is not set")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: cannot parse %q as a number", key, v))
		return def
	}
	return f
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: cannot parse %q as an integer", key, v))
		return def
	}
	return n
}
