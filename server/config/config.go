package config

// Package config loads and validates the engine's JSON config file.
// Configuration errors are fatal at startup; nothing else is.

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/infraroo/infraroo/pkg/geo"
)

type Config struct {
	// Path to the sqlite registry database
	DB string `json:"db"`

	// Geographic region scanned by each pass
	Region geo.Bounds `json:"region"`

	// Zoom level of fetched imagery (18-20 is appropriate for road markings)
	Zoom int `json:"zoom"`

	// Edge of a fetched tile in pixels (the Static Maps free tier caps at 640)
	TileSize int `json:"tileSize"`

	// Fraction of TileSize by which adjacent tiles overlap
	TileOverlapFraction float64 `json:"tileOverlapFraction"`

	// Object classes the detector is run for
	Classes []string `json:"classes"`

	// Cross-tile duplicates closer than this are merged
	MergeRadiusM float64 `json:"mergeRadiusM"`

	// Default matching radius around an existing location, and per-class
	// overrides
	BufferRadiusM       float64            `json:"bufferRadiusM"`
	BufferRadiusByClass map[string]float64 `json:"bufferRadiusByClass"`

	// Lifecycle thresholds
	ConfirmPasses   int `json:"confirmPasses"`
	StablePasses    int `json:"stablePasses"`
	DisappearPasses int `json:"disappearPasses"`

	// Google Static Maps API key. Falls back to the GOOGLE_MAPS_API_KEY
	// environment variable.
	MapsAPIKey string `json:"mapsAPIKey"`

	// Where fetched tiles are cached
	TileCache StorageConfig `json:"tileCache"`

	// Webhook URLs that receive lifecycle notifications
	Webhooks []string `json:"webhooks"`

	// Base64 scrypt hash of the password required to trigger scans over the
	// API. Empty disables the scan endpoint.
	AdminPasswordHash string `json:"adminPasswordHash"`

	// HTTP listen port
	Port int `json:"port"`

	// Number of tiles fetched and analyzed concurrently during a pass
	ScanConcurrency int `json:"scanConcurrency"`
}

// One of the storage options may be configured (either 'filesystem' or
// 'gcs'). Neither means no tile cache.
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the cache directory
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

func Default() Config {
	return Config{
		DB:                  "infraroo.sqlite",
		Zoom:                20,
		TileSize:            640,
		TileOverlapFraction: 0.1,
		MergeRadiusM:        5,
		BufferRadiusM:       20,
		ConfirmPasses:       2,
		StablePasses:        3,
		DisappearPasses:     2,
		Port:                8080,
		ScanConcurrency:     4,
	}
}

// Load reads the config file, applies defaults for unset fields, and
// validates the result.
func Load(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config file %v: %w", filename, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Region.Validate(); err != nil {
		return fmt.Errorf("region: %w", err)
	}
	if c.Zoom < geo.MinZoom || c.Zoom > geo.MaxZoom {
		return fmt.Errorf("zoom %v outside [%v,%v]", c.Zoom, geo.MinZoom, geo.MaxZoom)
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("tileSize %v must be positive", c.TileSize)
	}
	if c.TileOverlapFraction < 0 || c.TileOverlapFraction >= 1 {
		return fmt.Errorf("tileOverlapFraction %v must be in [0,1)", c.TileOverlapFraction)
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("no classes configured")
	}
	if c.MergeRadiusM <= 0 {
		return fmt.Errorf("mergeRadiusM %v must be positive", c.MergeRadiusM)
	}
	if c.BufferRadiusM <= 0 {
		return fmt.Errorf("bufferRadiusM %v must be positive", c.BufferRadiusM)
	}
	for class, r := range c.BufferRadiusByClass {
		if r <= 0 {
			return fmt.Errorf("bufferRadiusByClass[%v] = %v must be positive", class, r)
		}
	}
	if c.ConfirmPasses < 1 || c.StablePasses < 1 || c.DisappearPasses < 1 {
		return fmt.Errorf("confirmPasses, stablePasses, disappearPasses must all be at least 1")
	}
	if c.TileCache.Filesystem != nil && c.TileCache.GCS != nil {
		return fmt.Errorf("tileCache: configure either 'filesystem' or 'gcs', not both")
	}
	if c.ScanConcurrency < 1 {
		return fmt.Errorf("scanConcurrency %v must be at least 1", c.ScanConcurrency)
	}
	return nil
}
