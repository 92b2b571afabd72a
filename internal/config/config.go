// Package config loads Gamedex configuration from YAML with env overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds credentials and rate budget settings for one
// upstream metadata provider.
type ProviderConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	APIKey       string        `yaml:"api_key"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
	MaxWait      time.Duration `yaml:"max_wait"`
	// Authoritative providers end the chain on a well-formed empty result.
	Authoritative bool `yaml:"authoritative"`
}

// UnmarshalYAML decodes durations from strings like "10s" while keeping
// pre-set defaults for absent keys.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		ClientID      string `yaml:"client_id"`
		ClientSecret  string `yaml:"client_secret"`
		APIKey        string `yaml:"api_key"`
		MaxPerWindow  int    `yaml:"max_per_window"`
		Window        string `yaml:"window"`
		MaxWait       string `yaml:"max_wait"`
		Authoritative bool   `yaml:"authoritative"`
	}{
		ClientID:      p.ClientID,
		ClientSecret:  p.ClientSecret,
		APIKey:        p.APIKey,
		MaxPerWindow:  p.MaxPerWindow,
		Window:        p.Window.String(),
		MaxWait:       p.MaxWait.String(),
		Authoritative: p.Authoritative,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.ClientID = raw.ClientID
	p.ClientSecret = raw.ClientSecret
	p.APIKey = raw.APIKey
	p.MaxPerWindow = raw.MaxPerWindow
	p.Authoritative = raw.Authoritative
	var err error
	if p.Window, err = time.ParseDuration(raw.Window); err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	if p.MaxWait, err = time.ParseDuration(raw.MaxWait); err != nil {
		return fmt.Errorf("invalid max_wait: %w", err)
	}
	return nil
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Workers       int           `yaml:"workers"`
	MaxLimit      int           `yaml:"max_limit"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	Lookback      time.Duration `yaml:"lookback"`
	DefaultLimit  int           `yaml:"default_limit"`
	SearchMin     int           `yaml:"search_min_results"`
	SearchLimit   int           `yaml:"search_sync_limit"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

func (s *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Workers       int    `yaml:"workers"`
		MaxLimit      int    `yaml:"max_limit"`
		StaleAfter    string `yaml:"stale_after"`
		Lookback      string `yaml:"lookback"`
		DefaultLimit  int    `yaml:"default_limit"`
		SearchMin     int    `yaml:"search_min_results"`
		SearchLimit   int    `yaml:"search_sync_limit"`
		SearchTimeout string `yaml:"search_timeout"`
	}{
		Workers:       s.Workers,
		MaxLimit:      s.MaxLimit,
		StaleAfter:    s.StaleAfter.String(),
		Lookback:      s.Lookback.String(),
		DefaultLimit:  s.DefaultLimit,
		SearchMin:     s.SearchMin,
		SearchLimit:   s.SearchLimit,
		SearchTimeout: s.SearchTimeout.String(),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	s.Workers = raw.Workers
	s.MaxLimit = raw.MaxLimit
	s.DefaultLimit = raw.DefaultLimit
	s.SearchMin = raw.SearchMin
	s.SearchLimit = raw.SearchLimit
	var err error
	if s.StaleAfter, err = time.ParseDuration(raw.StaleAfter); err != nil {
		return fmt.Errorf("invalid stale_after: %w", err)
	}
	if s.Lookback, err = time.ParseDuration(raw.Lookback); err != nil {
		return fmt.Errorf("invalid lookback: %w", err)
	}
	if s.SearchTimeout, err = time.ParseDuration(raw.SearchTimeout); err != nil {
		return fmt.Errorf("invalid search_timeout: %w", err)
	}
	return nil
}

// AccountConfig declares one linked platform account in the config file.
type AccountConfig struct {
	UserID   string `yaml:"user_id"`
	Platform string `yaml:"platform"`
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
}

// ImportConfig controls the library import job manager.
type ImportConfig struct {
	Workers     int             `yaml:"workers"`
	Retention   time.Duration   `yaml:"retention"`
	SteamAPIKey string          `yaml:"steam_api_key"`
	Accounts    []AccountConfig `yaml:"accounts"`
}

func (c *ImportConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Workers     int             `yaml:"workers"`
		Retention   string          `yaml:"retention"`
		SteamAPIKey string          `yaml:"steam_api_key"`
		Accounts    []AccountConfig `yaml:"accounts"`
	}{
		Workers:     c.Workers,
		Retention:   c.Retention.String(),
		SteamAPIKey: c.SteamAPIKey,
		Accounts:    c.Accounts,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Workers = raw.Workers
	c.SteamAPIKey = raw.SteamAPIKey
	c.Accounts = raw.Accounts
	var err error
	if c.Retention, err = time.ParseDuration(raw.Retention); err != nil {
		return fmt.Errorf("invalid retention: %w", err)
	}
	return nil
}

// LoggingConfig mirrors logging.Config for YAML decoding.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Config holds application configuration.
type Config struct {
	DBPath  string         `yaml:"db_path"`
	IGDB    ProviderConfig `yaml:"igdb"`
	RAWG    ProviderConfig `yaml:"rawg"`
	Sync    SyncConfig     `yaml:"sync"`
	Import  ImportConfig   `yaml:"import"`
	Logging LoggingConfig  `yaml:"logging"`
}

// DefaultConfig returns configuration with default values.
//
// IGDB allows 4 requests per second; RAWG's free tier is far tighter, so it
// gets a conservative per-minute budget.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "gamedex.db",
		IGDB: ProviderConfig{
			MaxPerWindow:  4,
			Window:        time.Second,
			MaxWait:       10 * time.Second,
			Authoritative: true,
		},
		RAWG: ProviderConfig{
			MaxPerWindow: 30,
			Window:       time.Minute,
			MaxWait:      10 * time.Second,
		},
		Sync: SyncConfig{
			Workers:       4,
			MaxLimit:      500,
			StaleAfter:    30 * 24 * time.Hour,
			Lookback:      7 * 24 * time.Hour,
			DefaultLimit:  50,
			SearchMin:     1,
			SearchLimit:   10,
			SearchTimeout: 15 * time.Second,
		},
		Import: ImportConfig{
			Workers:   2,
			Retention: 24 * time.Hour,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// configPaths returns the list of paths to search for config file.
func configPaths() []string {
	paths := []string{
		".gamedex.yaml",
		".gamedex.yml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "gamedex", "config.yaml"),
			filepath.Join(home, ".config", "gamedex", "config.yml"),
			filepath.Join(home, ".gamedex.yaml"),
		)
	}

	return paths
}

// Load loads configuration from file or returns defaults.
// Priority: env GAMEDEX_CONFIG > search paths > defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if envPath := os.Getenv("GAMEDEX_CONFIG"); envPath != "" {
		if err := cfg.loadFromFile(envPath); err != nil {
			return nil, err
		}
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadFromFile(path); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvOverrides lets credentials and the DB path come from the
// environment so they never need to live in the config file.
func (c *Config) applyEnvOverrides() {
	if dbPath := os.Getenv("GAMEDEX_DB"); dbPath != "" {
		c.DBPath = dbPath
	}
	if v := os.Getenv("IGDB_CLIENT_ID"); v != "" {
		c.IGDB.ClientID = v
	}
	if v := os.Getenv("IGDB_CLIENT_SECRET"); v != "" {
		c.IGDB.ClientSecret = v
	}
	if v := os.Getenv("RAWG_API_KEY"); v != "" {
		c.RAWG.APIKey = v
	}
	if v := os.Getenv("STEAM_API_KEY"); v != "" {
		c.Import.SteamAPIKey = v
	}
}

// GetDBPath returns the database path, applying defaults.
func (c *Config) GetDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return "gamedex.db"
}
