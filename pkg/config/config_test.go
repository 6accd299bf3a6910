package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "wakelat.yaml", `
tracer:
  ring_buffer_pages: 128
  queue_depth: 2048
  max_plausible_delay_ms: 5
  min_samples: 500
report:
  output_path: /tmp/bill.json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Tracer.RingBufferPages)
	assert.Equal(t, 2048, cfg.Tracer.QueueDepth)
	assert.Equal(t, 5, cfg.Tracer.MaxPlausibleDelayMS)
	assert.Equal(t, 500, cfg.Tracer.MinSamples)
	assert.Equal(t, "/tmp/bill.json", cfg.Report.OutputPath)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "wakelat.json", `{
  "tracer": {"ring_buffer_pages": 32},
  "report": {"output_path": "out.json"}
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Tracer.RingBufferPages)
	assert.Equal(t, "out.json", cfg.Report.OutputPath)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "partial.yaml", `
tracer:
  ring_buffer_pages: 16
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Tracer.RingBufferPages)
	assert.Equal(t, 1024, cfg.Tracer.QueueDepth)
	assert.Equal(t, 10, cfg.Tracer.MaxPlausibleDelayMS)
	assert.Equal(t, 100, cfg.Tracer.MinSamples)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/wakelat.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigInvalidContent(t *testing.T) {
	path := writeConfig(t, "broken.yaml", "tracer: [not a map")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 64, cfg.Tracer.RingBufferPages)
	assert.Equal(t, 1024, cfg.Tracer.QueueDepth)
	assert.Equal(t, 10, cfg.Tracer.MaxPlausibleDelayMS)
	assert.Equal(t, 100, cfg.Tracer.MinSamples)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative ring pages",
			mutate:  func(c *Config) { c.Tracer.RingBufferPages = -1 },
			wantErr: "ring_buffer_pages",
		},
		{
			name:    "negative queue depth",
			mutate:  func(c *Config) { c.Tracer.QueueDepth = -1 },
			wantErr: "queue_depth",
		},
		{
			name:    "negative cutoff",
			mutate:  func(c *Config) { c.Tracer.MaxPlausibleDelayMS = -1 },
			wantErr: "max_plausible_delay_ms",
		},
		{
			name:    "negative min samples",
			mutate:  func(c *Config) { c.Tracer.MinSamples = -1 },
			wantErr: "min_samples",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
