// Package config implements TOML configuration loading and validation for
// filemirror. A single file carries both the [server] and [client]
// sections; each command validates only the section it uses, so one config
// file can serve a machine that runs both roles.
package config

import "time"

// Config is the top-level structure parsed from a TOML file.
type Config struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig configures the `serve` command.
type ServerConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	InboundRoot        string `toml:"inbound_root"`
	TempRoot           string `toml:"temp_root"`
	DeleteStrategy     string `toml:"delete_strategy"`
	MaxParallelUploads int    `toml:"max_parallel_uploads"`
	SessionMaxAge      string `toml:"session_max_age"`

	// DatasetKeys maps datasetId -> pre-shared key. ClientKeys is the
	// fallback when no dataset mapping exists.
	DatasetKeys map[string]string `toml:"dataset_keys"`
	ClientKeys  map[string]string `toml:"client_keys"`
}

// ClientConfig configures the `sync` command.
type ClientConfig struct {
	DatasetID          string `toml:"dataset_id"`
	ClientID           string `toml:"client_id"`
	APIKey             string `toml:"api_key"`
	ServerBaseURL      string `toml:"server_base_url"`
	RootPath           string `toml:"root_path"`
	StateFile          string `toml:"state_file"`
	ChunkSize          string `toml:"chunk_size"`
	MaxParallelUploads int    `toml:"max_parallel_uploads"`
	EnableDelete       bool   `toml:"enable_delete"`
}

// Delete strategy values accepted in ServerConfig.DeleteStrategy.
const (
	DeleteDisabled = "disabled"
	DeleteLWW      = "lww"
)

// Defaults applied by DefaultConfig.
const (
	DefaultListenAddr            = ":8080"
	DefaultServerParallelUploads = 4
	DefaultClientParallelUploads = 2
	DefaultChunkSize             = "8MiB"
	DefaultSessionMaxAge         = 24 * time.Hour
)

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         DefaultListenAddr,
			DeleteStrategy:     DeleteDisabled,
			MaxParallelUploads: DefaultServerParallelUploads,
			SessionMaxAge:      DefaultSessionMaxAge.String(),
			DatasetKeys:        map[string]string{},
			ClientKeys:         map[string]string{},
		},
		Client: ClientConfig{
			ChunkSize:          DefaultChunkSize,
			MaxParallelUploads: DefaultClientParallelUploads,
		},
	}
}
