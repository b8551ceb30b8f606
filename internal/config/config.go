// Package config provides Burrow's runtime configuration, loaded from
// <data-dir>/config.toml. Grounded on the teacher's
// internal/config/config.go (DefaultConfig/ToTOML/ConfigFromTOML merge
// pattern), using the teacher's own github.com/BurntSushi/toml dependency.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// MLSCiphersuiteID is MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
	MLSCiphersuiteID = 0x0001

	// Version is the burrow client version string.
	Version = "0.1.0"

	// DefaultSubscriptionBufferSize is the default for
	// Config.SubscriptionBufferSize. The Relay Pool does not read that
	// setting; it uses its own relay.DefaultSubscriptionBuffer (also 256).
	DefaultSubscriptionBufferSize = 256

	// DefaultDeclinedWelcomeTTL is how long a declined welcome's dedup
	// marker is retained before it is eligible for garbage collection.
	DefaultDeclinedWelcomeTTL = 30 * 24 * time.Hour
)

// Config holds Burrow's runtime configuration.
type Config struct {
	DataDir                string        `toml:"data_dir"`
	Relays                 []string      `toml:"relays"`
	CiphersuiteID          int           `toml:"ciphersuite_id"`
	SubscriptionBufferSize int           `toml:"subscription_buffer_size"`
	DeclinedWelcomeTTL     time.Duration `toml:"declined_welcome_ttl"`
	RequireMajorityAck     bool          `toml:"require_majority_ack"`
	LogLevel               string        `toml:"log_level"`
	// ObjectStoreURL is the base URL of the Object Store the Media
	// Pipeline uploads encrypted attachments to. Empty disables media
	// support; nothing in the command surface requires it.
	ObjectStoreURL string `toml:"object_store_url"`
}

// DefaultConfig returns a Config with default values. dataDir must already
// be resolved to an absolute path (see DefaultDataDir).
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                dataDir,
		Relays:                 []string{"wss://relay.damus.io", "wss://nos.lol"},
		CiphersuiteID:          MLSCiphersuiteID,
		SubscriptionBufferSize: DefaultSubscriptionBufferSize,
		DeclinedWelcomeTTL:     DefaultDeclinedWelcomeTTL,
		RequireMajorityAck:     false,
		LogLevel:               "info",
	}
}

// DefaultDataDir returns $XDG_DATA_HOME/burrow, falling back to ~/.burrow.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "burrow"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".burrow"), nil
}

// tomlConfig is the TOML wrapper for serialization, mirroring the teacher's
// single top-level-table convention.
type tomlConfig struct {
	Burrow rawConfig `toml:"burrow"`
}

type rawConfig struct {
	DataDir                string   `toml:"data_dir"`
	Relays                 []string `toml:"relays"`
	CiphersuiteID          int      `toml:"ciphersuite_id"`
	SubscriptionBufferSize int      `toml:"subscription_buffer_size"`
	DeclinedWelcomeTTLDays int      `toml:"declined_welcome_ttl_days"`
	RequireMajorityAck     bool     `toml:"require_majority_ack"`
	LogLevel               string   `toml:"log_level"`
	ObjectStoreURL         string   `toml:"object_store_url"`
}

// ToTOML serializes the config to TOML text.
func (c Config) ToTOML() string {
	var buf strings.Builder
	buf.WriteString("[burrow]\n")
	buf.WriteString(fmt.Sprintf("data_dir = %q\n", c.DataDir))
	buf.WriteString("relays = [")
	for i, r := range c.Relays {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(fmt.Sprintf("%q", r))
	}
	buf.WriteString("]\n")
	buf.WriteString(fmt.Sprintf("ciphersuite_id = %d\n", c.CiphersuiteID))
	buf.WriteString(fmt.Sprintf("subscription_buffer_size = %d\n", c.SubscriptionBufferSize))
	buf.WriteString(fmt.Sprintf("declined_welcome_ttl_days = %d\n", int(c.DeclinedWelcomeTTL/(24*time.Hour))))
	buf.WriteString(fmt.Sprintf("require_majority_ack = %t\n", c.RequireMajorityAck))
	buf.WriteString(fmt.Sprintf("log_level = %q\n", c.LogLevel))
	buf.WriteString(fmt.Sprintf("object_store_url = %q\n", c.ObjectStoreURL))
	return buf.String()
}

// FromTOML parses a Config from TOML text, merging onto defaults rooted at dataDir.
func FromTOML(text, dataDir string) (Config, error) {
	var wrapper tomlConfig
	if _, err := toml.Decode(text, &wrapper); err != nil {
		return Config{}, fmt.Errorf("parsing config TOML: %w", err)
	}
	cfg := DefaultConfig(dataDir)
	r := wrapper.Burrow
	if r.DataDir != "" {
		cfg.DataDir = r.DataDir
	}
	if len(r.Relays) > 0 {
		cfg.Relays = r.Relays
	}
	if r.CiphersuiteID != 0 {
		cfg.CiphersuiteID = r.CiphersuiteID
	}
	if r.SubscriptionBufferSize != 0 {
		cfg.SubscriptionBufferSize = r.SubscriptionBufferSize
	}
	if r.DeclinedWelcomeTTLDays != 0 {
		cfg.DeclinedWelcomeTTL = time.Duration(r.DeclinedWelcomeTTLDays) * 24 * time.Hour
	}
	cfg.RequireMajorityAck = r.RequireMajorityAck
	if r.LogLevel != "" {
		cfg.LogLevel = r.LogLevel
	}
	cfg.ObjectStoreURL = r.ObjectStoreURL
	return cfg, nil
}

// Load reads and parses the config file at dataDir/config.toml, returning
// defaults if the file does not exist yet.
func Load(dataDir string) (Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(dataDir), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return FromTOML(string(data), dataDir)
}

// Save writes the config to dataDir/config.toml.
func (c Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir %s: %w", c.DataDir, err)
	}
	path := filepath.Join(c.DataDir, "config.toml")
	return os.WriteFile(path, []byte(c.ToTOML()), 0o600)
}
