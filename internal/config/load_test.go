package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_FullFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[server]
listen_addr = ":9090"
inbound_root = "/srv/mirror/data"
temp_root = "/srv/mirror/tmp"
delete_strategy = "lww"
max_parallel_uploads = 8
session_max_age = "48h"

[server.dataset_keys]
photos = "secret-1"

[client]
dataset_id = "photos"
client_id = "laptop"
api_key = "secret-1"
server_base_url = "https://mirror.example.com"
root_path = "/home/me/photos"
chunk_size = "4MiB"
max_parallel_uploads = 3
enable_delete = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "/srv/mirror/data", cfg.Server.InboundRoot)
	assert.Equal(t, DeleteLWW, cfg.Server.DeleteStrategy)
	assert.Equal(t, 8, cfg.Server.MaxParallelUploads)
	assert.Equal(t, "secret-1", cfg.Server.DatasetKeys["photos"])
	assert.Equal(t, 48*time.Hour, cfg.Server.SessionMaxAgeDuration())

	assert.Equal(t, "photos", cfg.Client.DatasetID)
	assert.Equal(t, int64(4<<20), cfg.Client.ChunkSizeBytes())
	assert.Equal(t, 3, cfg.Client.MaxParallelUploads)
	assert.True(t, cfg.Client.EnableDelete)
}

func TestLoad_DefaultsFillUnsetFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[server]
inbound_root = "/data"
temp_root = "/tmp/mirror"

[server.client_keys]
laptop = "k"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
	assert.Equal(t, DeleteDisabled, cfg.Server.DeleteStrategy)
	assert.Equal(t, DefaultServerParallelUploads, cfg.Server.MaxParallelUploads)
	assert.Equal(t, DefaultSessionMaxAge, cfg.Server.SessionMaxAgeDuration())
	assert.Equal(t, DefaultChunkSize, cfg.Client.ChunkSize)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[server]
inbound_root = "/data"
temp_rooot = "/tmp/mirror"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Contains(t, err.Error(), "temp_rooot")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateServer(t *testing.T) {
	t.Parallel()

	valid := func() *ServerConfig {
		return &ServerConfig{
			ListenAddr:         ":8080",
			InboundRoot:        "/data",
			TempRoot:           "/tmp/mirror",
			DeleteStrategy:     DeleteDisabled,
			MaxParallelUploads: 4,
			SessionMaxAge:      "24h",
			DatasetKeys:        map[string]string{"d": "k"},
		}
	}

	require.NoError(t, ValidateServer(valid()))

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"missing inbound root", func(c *ServerConfig) { c.InboundRoot = "" }},
		{"missing temp root", func(c *ServerConfig) { c.TempRoot = "" }},
		{"bad strategy", func(c *ServerConfig) { c.DeleteStrategy = "mirror" }},
		{"zero parallel", func(c *ServerConfig) { c.MaxParallelUploads = 0 }},
		{"bad session age", func(c *ServerConfig) { c.SessionMaxAge = "soon" }},
		{"no keys", func(c *ServerConfig) { c.DatasetKeys = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(c)
			assert.Error(t, ValidateServer(c))
		})
	}
}

func TestValidateClient(t *testing.T) {
	t.Parallel()

	valid := func() *ClientConfig {
		return &ClientConfig{
			DatasetID:          "photos",
			ClientID:           "laptop",
			APIKey:             "k",
			ServerBaseURL:      "http://localhost:8080",
			RootPath:           "/home/me/photos",
			ChunkSize:          "8MiB",
			MaxParallelUploads: 2,
		}
	}

	require.NoError(t, ValidateClient(valid()))

	tests := []struct {
		name   string
		mutate func(*ClientConfig)
	}{
		{"missing dataset", func(c *ClientConfig) { c.DatasetID = "" }},
		{"missing client id", func(c *ClientConfig) { c.ClientID = "" }},
		{"missing api key", func(c *ClientConfig) { c.APIKey = "" }},
		{"missing base url", func(c *ClientConfig) { c.ServerBaseURL = "" }},
		{"missing root", func(c *ClientConfig) { c.RootPath = "" }},
		{"zero parallel", func(c *ClientConfig) { c.MaxParallelUploads = 0 }},
		{"bad chunk size", func(c *ClientConfig) { c.ChunkSize = "big" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(c)
			assert.Error(t, ValidateClient(c))
		})
	}
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"1B", 1},
		{"512KB", 512_000},
		{"512KiB", 512 << 10},
		{"8MiB", 8 << 20},
		{"2GB", 2_000_000_000},
		{"1GiB", 1 << 30},
		{"1024", 1024},
		{" 16 MiB ", 16 << 20},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	for _, bad := range []string{"", "big", "-1MiB", "0", "1.5MiB"} {
		_, err := ParseSize(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
