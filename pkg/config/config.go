// Package config loads wakelat configuration files. Flags and
// environment override file values; wiring lives in the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Tracer TracerConfig `yaml:"tracer" json:"tracer"`
	Report ReportConfig `yaml:"report" json:"report"`
}

// TracerConfig contains collector tuning. The target pid is always
// supplied on the command line, never from a file.
type TracerConfig struct {
	RingBufferPages     int `yaml:"ring_buffer_pages" json:"ring_buffer_pages"`
	QueueDepth          int `yaml:"queue_depth" json:"queue_depth"`
	MaxPlausibleDelayMS int `yaml:"max_plausible_delay_ms" json:"max_plausible_delay_ms"`
	MinSamples          int `yaml:"min_samples" json:"min_samples"`
}

// ReportConfig contains bill-of-health output settings
type ReportConfig struct {
	OutputPath string `yaml:"output_path" json:"output_path"`
}

// LoadConfig loads configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine format by extension
	ext := strings.ToLower(filepath.Ext(path))

	config := &Config{}
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		// Try YAML first, then JSON
		err = yaml.Unmarshal(data, config)
		if err != nil {
			err = json.Unmarshal(data, config)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	return config, nil
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults sets default values for missing config fields
func (c *Config) applyDefaults() {
	if c.Tracer.RingBufferPages == 0 {
		c.Tracer.RingBufferPages = 64
	}
	if c.Tracer.QueueDepth == 0 {
		c.Tracer.QueueDepth = 1024
	}
	if c.Tracer.MaxPlausibleDelayMS == 0 {
		c.Tracer.MaxPlausibleDelayMS = 10
	}
	if c.Tracer.MinSamples == 0 {
		c.Tracer.MinSamples = 100
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Tracer.RingBufferPages < 0 {
		return fmt.Errorf("tracer.ring_buffer_pages must not be negative")
	}
	if c.Tracer.QueueDepth < 0 {
		return fmt.Errorf("tracer.queue_depth must not be negative")
	}
	if c.Tracer.MaxPlausibleDelayMS < 0 {
		return fmt.Errorf("tracer.max_plausible_delay_ms must not be negative")
	}
	if c.Tracer.MinSamples < 0 {
		return fmt.Errorf("tracer.min_samples must not be negative")
	}
	return nil
}
