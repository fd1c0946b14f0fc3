package shared

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Session     SessionConfig     `toml:"session"`
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
}

// CredentialsConfig contains provider-specific credentials.
type CredentialsConfig struct {
	Spotify SpotifyConfig `toml:"spotify"`
	Apple   AppleConfig   `toml:"apple"`
}

// SpotifyConfig contains the Spotify app credential pair used for
// client-credentials grants and the user authorization-code flow.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// AppleConfig contains the Apple Music signing identity. The private key is
// a PKCS8 PEM elliptic-curve key issued alongside the key id.
type AppleConfig struct {
	KeyID          string `toml:"key_id"`
	TeamID         string `toml:"team_id"`
	PrivateKey     string `toml:"private_key"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// SessionConfig contains settings for the user session cookie.
type SessionConfig struct {
	Secret     string `toml:"secret"`
	CookieName string `toml:"cookie_name"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	RateLimit int    `toml:"rate_limit"`
}

// LoadConfig reads and parses a TOML configuration file from the specified
// path. File values are layered over the embedded defaults, and environment
// overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()
	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the
// embedded example config, with environment overrides applied.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	config.applyEnv()
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s: %w", path, ErrInvalidInput)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnv overrides config values with ARIA_* environment variables when set.
func (c *Config) applyEnv() {
	envStr(&c.Credentials.Spotify.ClientID, "ARIA_SPOTIFY_CLIENT_ID")
	envStr(&c.Credentials.Spotify.ClientSecret, "ARIA_SPOTIFY_CLIENT_SECRET")
	envStr(&c.Credentials.Spotify.RedirectURI, "ARIA_SPOTIFY_REDIRECT_URI")
	envStr(&c.Credentials.Apple.KeyID, "ARIA_APPLE_KEY_ID")
	envStr(&c.Credentials.Apple.TeamID, "ARIA_APPLE_TEAM_ID")
	envStr(&c.Credentials.Apple.PrivateKey, "ARIA_APPLE_PRIVATE_KEY")
	envStr(&c.Credentials.Apple.PrivateKeyPath, "ARIA_APPLE_PRIVATE_KEY_PATH")
	envStr(&c.Session.Secret, "ARIA_SESSION_SECRET")
	envStr(&c.Database.Path, "ARIA_DATABASE_PATH")
	envStr(&c.Server.Host, "ARIA_HOST")
	envInt(&c.Server.Port, "ARIA_PORT")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks structural config values. Error messages name the offending
// field but never echo credential values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is empty", ErrInvalidConfig)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ApplePrivateKey returns the configured PEM private key, reading it from
// private_key_path when the inline value is empty.
func (c *Config) ApplePrivateKey() (string, error) {
	if c.Credentials.Apple.PrivateKey != "" {
		return c.Credentials.Apple.PrivateKey, nil
	}
	if c.Credentials.Apple.PrivateKeyPath == "" {
		return "", fmt.Errorf("%w: apple private key not configured", ErrMissingCredentials)
	}
	data, err := os.ReadFile(c.Credentials.Apple.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read apple private key: %w", err)
	}
	return string(data), nil
}
