package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Device kinds.
const (
	DeviceFile   = "file"
	DevicePebble = "pebble"
	DeviceNull   = "null"
)

// Fsync modes for the pebble device.
const (
	FsyncAlways   = "always"
	FsyncInterval = "interval"
	FsyncNever    = "never"
)

// Config is the top-level engine configuration.
type Config struct {
	// PageSizeBits sets the log page size to 2^PageSizeBits bytes.
	PageSizeBits uint8 `json:"pageSizeBits"`
	// BufferPages is the number of page frames in the in-memory ring.
	BufferPages int `json:"bufferPages"`
	// EmptyPageCount reserves frames as always-empty, shrinking effective
	// in-memory capacity. Clamped to [0, BufferPages-1].
	EmptyPageCount int `json:"emptyPageCount"`
	// MutableFraction is the fraction of in-memory pages kept mutable; the
	// rest is shifted read-only as the tail grows.
	MutableFraction float64 `json:"mutableFraction"`
	// IndexShards is the number of hash index shards.
	IndexShards int `json:"indexShards"`
	// DataDir is where the device persists flushed pages.
	DataDir string `json:"dataDir"`
	// Device selects the device sink: file, pebble, or null.
	Device string `json:"device"`
	// Fsync selects the pebble device sync policy.
	Fsync string `json:"fsync"`
	// FsyncIntervalMs controls group commit when Fsync=interval.
	FsyncIntervalMs int `json:"fsyncIntervalMs"`
}

// Default returns built-in defaults sized for production use.
func Default() Config {
	return Config{
		PageSizeBits:    22, // 4 MiB pages
		BufferPages:     16,
		EmptyPageCount:  0,
		MutableFraction: 0.9,
		IndexShards:     64,
		Device:          DeviceFile,
		Fsync:           FsyncInterval,
		FsyncIntervalMs: 5,
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults. YAML is intentionally unsupported to keep dependencies light.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks geometry bounds.
func (c Config) Validate() error {
	if c.PageSizeBits < 9 || c.PageSizeBits > 30 {
		return fmt.Errorf("pageSizeBits %d out of range [9, 30]", c.PageSizeBits)
	}
	if c.BufferPages < 2 {
		return fmt.Errorf("bufferPages %d must be at least 2", c.BufferPages)
	}
	if c.MutableFraction <= 0 || c.MutableFraction > 1 {
		return fmt.Errorf("mutableFraction %v out of range (0, 1]", c.MutableFraction)
	}
	switch c.Device {
	case DeviceFile, DevicePebble, DeviceNull:
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	switch c.Fsync {
	case FsyncAlways, FsyncInterval, FsyncNever:
	default:
		return fmt.Errorf("unknown fsync mode %q", c.Fsync)
	}
	return nil
}
