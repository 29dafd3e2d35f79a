// Package config carries runtime configuration for a zipfuse mount.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/galanin/zipfuse/internal/logging"
)

// Default configuration values. See [Config] for field descriptions.
const (
	// DefaultChunkSize is BigBuffer's fixed chunk size in bytes. The spec fixes
	// this at 4 KiB; it is a constant rather than tunable because round-trip
	// behavior (S1-S6) is defined in terms of it.
	DefaultChunkSize = 4096

	// DefaultAttrTimeout is the attribute cache timeout in seconds.
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the directory entry cache timeout in seconds.
	DefaultEntryTimeout = 1.0

	// DefaultMaxWrite is the maximum write size per FUSE request.
	DefaultMaxWrite = 1 << 20
)

// Config holds the resolved settings for one mount.
type Config struct {
	ReadOnly         bool    // fail every mutating op with EROFS; no node ever becomes dirty
	ForcePreciseTime bool    // keep sub-second mtime/atime precision in utimens
	AttrTimeout      float64 // FUSE attribute cache timeout, seconds
	EntryTimeout     float64 // FUSE directory entry cache timeout, seconds
	MaxWrite         int     // maximum bytes per FUSE write request

	FsName string // mount's FsName, shown in `mount`/`df`
	Name   string // mount's Name
	Debug  bool   // go-fuse wire-level debug logging
}

// Override carries partial configuration loaded from a file. Pointer fields
// distinguish "not set" from "explicitly set to the zero value".
type Override struct {
	ReadOnly         *bool    `yaml:"readonly,omitempty" json:"readonly,omitempty"`
	ForcePreciseTime *bool    `yaml:"force_precise_time,omitempty" json:"force_precise_time,omitempty"`
	AttrTimeout      *float64 `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout     *float64 `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
	MaxWrite         *int     `yaml:"max_write,omitempty" json:"max_write,omitempty"`
	FsName           *string  `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name             *string  `yaml:"name,omitempty" json:"name,omitempty"`
	Debug            *bool    `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// Default returns a Config populated with zipfuse's defaults.
func Default() *Config {
	return &Config{
		AttrTimeout:  DefaultAttrTimeout,
		EntryTimeout: DefaultEntryTimeout,
		MaxWrite:     DefaultMaxWrite,
		FsName:       "zipfuse",
		Name:         "zipfuse",
	}
}

// Merge applies every non-nil field of override onto c.
func (c *Config) Merge(override *Override) {
	if override.ReadOnly != nil {
		c.ReadOnly = *override.ReadOnly
	}
	if override.ForcePreciseTime != nil {
		c.ForcePreciseTime = *override.ForcePreciseTime
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
	if override.MaxWrite != nil {
		c.MaxWrite = *override.MaxWrite
	}
	if override.FsName != nil {
		c.FsName = *override.FsName
	}
	if override.Name != nil {
		c.Name = *override.Name
	}
	if override.Debug != nil {
		c.Debug = *override.Debug
	}
}

// LoadOverrideFile reads a YAML or JSON override file based on its extension.
func LoadOverrideFile(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override Override
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", ext)
	}

	return &override, nil
}

// FromFile builds a Config by merging a file's overrides onto the defaults.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	override, err := LoadOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)

	logger := logging.For("config")
	logger.Debug().Str("path", path).Msg("loaded mount config overrides")
	return cfg, nil
}
