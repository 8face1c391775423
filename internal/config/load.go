package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file and returns the resulting
// Config with defaults filled in for unset values. Unknown keys are fatal
// errors: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// DefaultConfigPath returns the per-user config file location,
// e.g. ~/.config/filemirror/config.toml on Linux.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}

	return filepath.Join(base, "filemirror", "config.toml")
}

// DefaultStateFile returns the per-user state database location used when
// the client config does not set one.
func DefaultStateFile() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "filemirror-state.db"
	}

	return filepath.Join(base, "filemirror", "state.db")
}

// ValidateServer checks the fields the serve command depends on.
func ValidateServer(c *ServerConfig) error {
	if c.InboundRoot == "" {
		return errors.New("config: server.inbound_root is required")
	}

	if c.TempRoot == "" {
		return errors.New("config: server.temp_root is required")
	}

	if c.DeleteStrategy != DeleteDisabled && c.DeleteStrategy != DeleteLWW {
		return fmt.Errorf("config: server.delete_strategy must be %q or %q, got %q",
			DeleteDisabled, DeleteLWW, c.DeleteStrategy)
	}

	if c.MaxParallelUploads < 1 {
		return fmt.Errorf("config: server.max_parallel_uploads must be >= 1, got %d", c.MaxParallelUploads)
	}

	if _, err := time.ParseDuration(c.SessionMaxAge); err != nil {
		return fmt.Errorf("config: server.session_max_age: %w", err)
	}

	if len(c.DatasetKeys) == 0 && len(c.ClientKeys) == 0 {
		return errors.New("config: at least one entry in server.dataset_keys or server.client_keys is required")
	}

	return nil
}

// ValidateClient checks the fields the sync command depends on.
func ValidateClient(c *ClientConfig) error {
	switch {
	case c.DatasetID == "":
		return errors.New("config: client.dataset_id is required")
	case c.ClientID == "":
		return errors.New("config: client.client_id is required")
	case c.APIKey == "":
		return errors.New("config: client.api_key is required")
	case c.ServerBaseURL == "":
		return errors.New("config: client.server_base_url is required")
	case c.RootPath == "":
		return errors.New("config: client.root_path is required")
	}

	if c.MaxParallelUploads < 1 {
		return fmt.Errorf("config: client.max_parallel_uploads must be >= 1, got %d", c.MaxParallelUploads)
	}

	if _, err := ParseSize(c.ChunkSize); err != nil {
		return fmt.Errorf("config: client.chunk_size: %w", err)
	}

	return nil
}

// SessionMaxAgeDuration returns the parsed GC horizon. Call after
// ValidateServer.
func (c *ServerConfig) SessionMaxAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionMaxAge)
	if err != nil {
		return DefaultSessionMaxAge
	}

	return d
}

// ChunkSizeBytes returns the parsed chunk size. Call after ValidateClient.
func (c *ClientConfig) ChunkSizeBytes() int64 {
	n, err := ParseSize(c.ChunkSize)
	if err != nil {
		return 8 << 20
	}

	return n
}

// sizeUnits maps size suffixes to multipliers. Both binary (KiB) and
// decimal (KB) forms are accepted.
var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1e9},
	{"MB", 1e6},
	{"KB", 1e3},
	{"B", 1},
}

// ParseSize parses a human-readable byte size like "8MiB" or "512KB".
// A bare integer is taken as bytes. The result must be >= 1.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}

	num := s
	factor := int64(1)

	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			num = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			factor = u.factor

			break
		}
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n < 1 {
		return 0, fmt.Errorf("size %q must be >= 1 byte", s)
	}

	return n * factor, nil
}
