// Package config loads server settings from defaults, an optional config file
// and VIDEOSHARE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. VIDEOSHARE_PORT.
const EnvPrefix = "VIDEOSHARE"

// Config holds every runtime setting.
type Config struct {
	ShareFolder     string `mapstructure:"share_folder"`
	SecretFolder    string `mapstructure:"secret_folder"`
	SearchTrigger   string `mapstructure:"search_trigger"`
	Password        string `mapstructure:"password"`
	Port            int    `mapstructure:"port"`
	MonitorUsername string `mapstructure:"monitor_username"`
	MonitorPassword string `mapstructure:"monitor_password"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	MaxConnections    int           `mapstructure:"max_connections"`
	EvictBatch        int           `mapstructure:"evict_batch"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	InterfaceTTL      time.Duration `mapstructure:"interface_ttl"`

	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	TokenGrace     time.Duration `mapstructure:"token_grace"`
	SeedTokensFile string        `mapstructure:"seed_tokens_file"`

	CatalogTTL    time.Duration `mapstructure:"catalog_ttl"`
	WatchCatalogs bool          `mapstructure:"watch_catalogs"`

	MaxStreams int `mapstructure:"max_streams"`
	ChunkSize  int `mapstructure:"chunk_size"`

	TrustForwardedHeaders bool          `mapstructure:"trust_forwarded_headers"`
	CORSOrigins           []string      `mapstructure:"cors_origins"`
	RateGlobalRPS         float64       `mapstructure:"rate_global_rps"`
	RateGlobalBurst       int           `mapstructure:"rate_global_burst"`
	RateVerifyLimit       int           `mapstructure:"rate_verify_limit"`
	RateVerifyWindow      time.Duration `mapstructure:"rate_verify_window"`
	RedisAddr             string        `mapstructure:"redis_addr"`
	RedisPassword         string        `mapstructure:"redis_password"`
	RedisTimeout          time.Duration `mapstructure:"redis_timeout"`

	ArchivePostgresDSN string `mapstructure:"archive_postgres_dsn"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

var defaults = map[string]any{
	"share_folder":            "./share",
	"secret_folder":           "./secret",
	"search_trigger":          "secret",
	"password":                "secret",
	"port":                    12345,
	"monitor_username":        "",
	"monitor_password":        "",
	"log_level":               "info",
	"log_format":              "json",
	"max_connections":         100,
	"evict_batch":             10,
	"connection_timeout":      "30s",
	"interface_ttl":           "60s",
	"token_ttl":               "5m",
	"token_grace":             "1h",
	"seed_tokens_file":        "",
	"catalog_ttl":             "5m",
	"watch_catalogs":          false,
	"max_streams":             0,
	"chunk_size":              64 * 1024,
	"trust_forwarded_headers": false,
	"cors_origins":            []string{},
	"rate_global_rps":         0.0,
	"rate_global_burst":       0,
	"rate_verify_limit":       10,
	"rate_verify_window":      "1m",
	"redis_addr":              "",
	"redis_password":          "",
	"redis_timeout":           "2s",
	"archive_postgres_dsn":    "",
}

// Keys lists every recognised setting.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for key := range defaults {
		keys = append(keys, key)
	}
	return keys
}

// Load reads configuration. When path is empty a config.yaml in the working
// directory is used if present. Relative folders resolve against the
// directory of the config file that was read.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	base := "."
	if cfg.File != "" {
		base = filepath.Dir(cfg.File)
	}
	cfg.ShareFolder = resolveFolder(base, cfg.ShareFolder)
	cfg.SecretFolder = resolveFolder(base, cfg.SecretFolder)
	if cfg.SeedTokensFile != "" {
		cfg.SeedTokensFile = resolveFolder(base, cfg.SeedTokensFile)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ShareFolder == "" || c.SecretFolder == "" {
		errs = append(errs, errors.New("share_folder and secret_folder are required"))
	}
	if c.MaxConnections < 0 || c.EvictBatch < 0 || c.MaxStreams < 0 || c.ChunkSize < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if (c.MonitorUsername == "") != (c.MonitorPassword == "") {
		errs = append(errs, errors.New("monitor_username and monitor_password must be set together"))
	}
	return errors.Join(errs...)
}

// MonitorAuthEnabled reports whether the operator endpoints require basic auth.
func (c Config) MonitorAuthEnabled() bool {
	return c.MonitorUsername != "" && c.MonitorPassword != ""
}

// Addr is the listen address for Port on all interfaces.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// EnsureFolders creates the catalog roots when missing.
func (c Config) EnsureFolders() error {
	for _, dir := range []string{c.ShareFolder, c.SecretFolder} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", dir, err)
		}
	}
	return nil
}

func resolveFolder(base, folder string) string {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return ""
	}
	if !filepath.IsAbs(folder) {
		folder = filepath.Join(base, folder)
	}
	if abs, err := filepath.Abs(folder); err == nil {
		return abs
	}
	return filepath.Clean(folder)
}
