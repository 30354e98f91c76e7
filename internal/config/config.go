// Package config loads runtime configuration from defaults, environment and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied when neither environment nor flags override them.
const (
	DefaultBlossomURL = "https://blossom.primal.net"

	// KeyPackageTarget is the minimum number of fresh key packages the
	// maintenance task keeps published per account.
	KeyPackageTarget = 2

	KeyPackageMaintenanceInterval = 24 * time.Hour
	SubscriptionHealthInterval    = 5 * time.Minute
)

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}

// Config holds everything the core needs to start.
type Config struct {
	DataDir       string
	LogsDir       string
	BlossomURL    string
	DefaultRelays []string
}

// Env abstracts os.Getenv so tests can inject values.
type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load builds a Config from the process environment. dataDir and logsDir
// come from CLI flags and may be empty; WHITENOISE_DATA_DIR wins over the
// flag per the CLI contract.
func Load(dataDir, logsDir string) (Config, error) {
	return LoadFromEnv(osEnv{}, dataDir, logsDir)
}

// LoadFromEnv is Load with an injectable environment.
func LoadFromEnv(env Env, dataDir, logsDir string) (Config, error) {
	cfg := Config{
		DataDir:       dataDir,
		LogsDir:       logsDir,
		BlossomURL:    DefaultBlossomURL,
		DefaultRelays: append([]string(nil), defaultRelays...),
	}

	if raw := env.Getenv("WHITENOISE_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("data dir required (flag or WHITENOISE_DATA_DIR)")
	}
	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(cfg.DataDir, "logs")
	}

	if raw := env.Getenv("WHITENOISE_BLOSSOM_URL"); raw != "" {
		cfg.BlossomURL = raw
	}

	if raw := env.Getenv("WHITENOISE_DEFAULT_RELAYS"); raw != "" {
		var relays []string
		for _, u := range strings.Split(raw, ",") {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
				return Config{}, fmt.Errorf("invalid relay url %q in WHITENOISE_DEFAULT_RELAYS", u)
			}
			relays = append(relays, u)
		}
		if len(relays) == 0 {
			return Config{}, fmt.Errorf("WHITENOISE_DEFAULT_RELAYS set but empty")
		}
		cfg.DefaultRelays = relays
	}

	return cfg, nil
}

// DatabasePath returns the sqlite file location under the data dir.
func (c Config) DatabasePath() string { return filepath.Join(c.DataDir, "whitenoise.db") }

// SecretsDir returns the per-account key file directory.
func (c Config) SecretsDir() string { return filepath.Join(c.DataDir, "secrets") }

// MlsDir returns the MLS storage directory for one account.
func (c Config) MlsDir(pubkey string) string { return filepath.Join(c.DataDir, "mls", pubkey) }

// MediaCacheDir returns the plaintext media cache directory for one group.
func (c Config) MediaCacheDir(groupID string) string {
	return filepath.Join(c.DataDir, "media-cache", groupID)
}
