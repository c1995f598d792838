// Package config loads imgproxy-core's environment-variable driven
// configuration (spec §6), following the teacher's config.Config pattern:
// a plain struct with a Default() and a Validate(), here populated from
// the process environment rather than construction-time literals.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageImplementation selects InMemory or Persistent for a cache tier.
type StorageImplementation string

const (
	InMemory   StorageImplementation = "InMemory"
	Persistent StorageImplementation = "Persistent"
)

// Config is the top-level configuration struct. Default() populates every
// field with the spec's documented defaults; Load() overlays environment
// overrides on top of Default().
type Config struct {
	Host string
	Port int

	APIKey string

	BaseFileAPIURL string

	StorageImplementation           StorageImplementation
	ProcessingCacheImplementation   StorageImplementation
	StorageCacheSize                int
	ProcessingCacheSize             int
	MaxOptionsPerImage              int
	MaxOptionsPerImageOverflowPolicy string // "Restrict" | "Rewrite"

	MaxOutputDim  int
	ClientCacheTTL time.Duration

	PersistentStorageDir string
	PersistInterval      time.Duration

	OriginFetchTimeout time.Duration
	MaxOriginalBytes   int64

	LogLevel string
}

// Default returns the spec's documented defaults (§6).
func Default() Config {
	return Config{
		Host: "0.0.0.0",
		Port: 8080,

		StorageImplementation:            InMemory,
		ProcessingCacheImplementation:    InMemory,
		StorageCacheSize:                 256,
		ProcessingCacheSize:              1024,
		MaxOptionsPerImage:               8,
		MaxOptionsPerImageOverflowPolicy: "Restrict",

		MaxOutputDim:   4096,
		ClientCacheTTL: 24 * time.Hour,

		PersistentStorageDir: "./data",
		PersistInterval:      60 * time.Second,

		OriginFetchTimeout: 10 * time.Second,
		MaxOriginalBytes:   32 << 20, // 32 MiB

		LogLevel: "info",
	}
}

// Load returns Default() with every recognized environment variable
// (spec §6) applied as an override, then validated.
func Load() (Config, error) {
	c := Default()

	if v, ok := lookup("HOST"); ok {
		c.Host = v
	}
	if v, ok := lookupInt("PORT"); ok {
		c.Port = v
	}
	if v, ok := lookup("API_KEY"); ok {
		c.APIKey = v
	}
	if v, ok := lookup("BASE_FILE_API_URL"); ok {
		c.BaseFileAPIURL = v
	}
	if v, ok := lookup("STORAGE_IMPLEMENTATION"); ok {
		c.StorageImplementation = StorageImplementation(v)
	}
	if v, ok := lookup("PROCESSING_CACHE_IMPLEMENTATION"); ok {
		c.ProcessingCacheImplementation = StorageImplementation(v)
	}
	if v, ok := lookupInt("STORAGE_CACHE_SIZE"); ok {
		c.StorageCacheSize = v
	}
	if v, ok := lookupInt("PROCESSING_CACHE_SIZE"); ok {
		c.ProcessingCacheSize = v
	}
	if v, ok := lookupInt("MAX_OPTIONS_PER_IMAGE"); ok {
		c.MaxOptionsPerImage = v
	}
	if v, ok := lookup("MAX_OPTIONS_PER_IMAGE_OVERFLOW_POLICY"); ok {
		c.MaxOptionsPerImageOverflowPolicy = v
	}
	if v, ok := lookupInt("MAX_OUTPUT_DIM"); ok {
		c.MaxOutputDim = v
	}
	if v, ok := lookupDuration("CLIENT_CACHE_TTL"); ok {
		c.ClientCacheTTL = v
	}
	if v, ok := lookup("PERSISTENT_STORAGE_DIR"); ok {
		c.PersistentStorageDir = v
	}
	if v, ok := lookupDuration("PERSIST_INTERVAL"); ok {
		c.PersistInterval = v
	}
	if v, ok := lookupDuration("ORIGIN_FETCH_TIMEOUT"); ok {
		c.OriginFetchTimeout = v
	}
	if v, ok := lookupInt64("MAX_ORIGINAL_BYTES"); ok {
		c.MaxOriginalBytes = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}

	if err := Validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: PORT must be in [1, 65535]")
	}
	if c.BaseFileAPIURL == "" {
		return errors.New("config: BASE_FILE_API_URL is required")
	}
	if c.StorageImplementation != InMemory && c.StorageImplementation != Persistent {
		return fmt.Errorf("config: STORAGE_IMPLEMENTATION must be InMemory or Persistent, got %q", c.StorageImplementation)
	}
	if c.ProcessingCacheImplementation != InMemory && c.ProcessingCacheImplementation != Persistent {
		return fmt.Errorf("config: PROCESSING_CACHE_IMPLEMENTATION must be InMemory or Persistent, got %q", c.ProcessingCacheImplementation)
	}
	if c.StorageCacheSize <= 0 {
		return errors.New("config: STORAGE_CACHE_SIZE must be positive")
	}
	if c.ProcessingCacheSize <= 0 {
		return errors.New("config: PROCESSING_CACHE_SIZE must be positive")
	}
	if c.MaxOptionsPerImage <= 0 {
		return errors.New("config: MAX_OPTIONS_PER_IMAGE must be positive")
	}
	policy := strings.ToLower(c.MaxOptionsPerImageOverflowPolicy)
	if policy != "restrict" && policy != "rewrite" {
		return fmt.Errorf("config: MAX_OPTIONS_PER_IMAGE_OVERFLOW_POLICY must be Restrict or Rewrite, got %q", c.MaxOptionsPerImageOverflowPolicy)
	}
	if c.MaxOutputDim <= 0 {
		return errors.New("config: MAX_OUTPUT_DIM must be positive")
	}
	if (c.StorageImplementation == Persistent || c.ProcessingCacheImplementation == Persistent) && c.PersistentStorageDir == "" {
		return errors.New("config: PERSISTENT_STORAGE_DIR is required when any tier uses Persistent")
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupInt(name string) (int, bool) {
	v, ok := lookup(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupInt64(name string) (int64, bool) {
	v, ok := lookup(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(name string) (time.Duration, bool) {
	v, ok := lookup(name)
	if !ok {
		return 0, false
	}
	// Bare integers are interpreted as seconds (matching CLIENT_CACHE_TTL /
	// PERSIST_INTERVAL's documented units); anything else is parsed as a Go
	// duration string ("90s", "2m") for flexibility.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
