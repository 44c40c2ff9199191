// Package config provides functionality for managing configuration options
// for the client and the server using command-line flags, an optional JSON
// config file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EndpointsToSync lists the collections mirrored by a full resync, in fetch
// order. The first one doubles as the credential check.
var EndpointsToSync = []string{
	"podryads", "ie-profiles", "cars", "car-markas", "car-models",
	"drivers", "registries", "seasons", "gruzes", "loading-points",
	"unloading-points", "organizations", "customers", "cargo-batches",
}

// Duration is a time.Duration that reads from JSON either as a Go duration
// string ("30s") or as a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ClientOptions holds the configuration values of the command-line client.
type ClientOptions struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api/v1/.
	BaseURL string `json:"base_url"`

	// CacheDir holds the local JSON documents.
	CacheDir string `json:"cache_dir"`

	Timeout     Duration `json:"timeout"`
	Concurrency int      `json:"concurrency"`

	// AutoSync is the background resync period. Zero disables it.
	AutoSync Duration `json:"autosync"`

	LogLevel string `json:"log_level"`

	// OfflineUser and OfflinePassword enable a local-only account.
	OfflineUser     string `json:"offline_user"`
	OfflinePassword string `json:"offline_password"`

	// Collections overrides EndpointsToSync.
	Collections []string `json:"collections"`

	// Config is the path to the config file.
	Config string `json:"-"`
}

// DefaultClient returns the client defaults.
func DefaultClient() ClientOptions {
	dir := ".waybill"
	if base, err := os.UserCacheDir(); err == nil {
		dir = filepath.Join(base, "waybill")
	}
	return ClientOptions{
		BaseURL:     "http://localhost:8080/api/v1/",
		CacheDir:    dir,
		Timeout:     Duration(15 * time.Second),
		Concurrency: 5,
		AutoSync:    Duration(5 * time.Minute),
		LogLevel:    "warn",
		Collections: append([]string(nil), EndpointsToSync...),
		Config:      "client.json",
	}
}

// Load reads the config file, when there is one, and then applies
// environment overrides. Flags set explicitly on the command line are
// applied by the caller afterwards.
func (o *ClientOptions) Load() error {
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		o.Config = configPath
	}
	if err := readFile(o.Config, o); err != nil {
		return err
	}

	if v := os.Getenv("API_URL"); v != "" {
		o.BaseURL = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		o.CacheDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}
	if v := os.Getenv("AUTOSYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUTOSYNC_INTERVAL: %w", err)
		}
		o.AutoSync = Duration(d)
	}
	if v := os.Getenv("SYNC_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SYNC_CONCURRENCY: %w", err)
		}
		o.Concurrency = n
	}
	if v := os.Getenv("ENDPOINTS_TO_SYNC"); v != "" {
		o.Collections = splitList(v)
	}
	if v := os.Getenv("OFFLINE_USER"); v != "" {
		o.OfflineUser = v
	}
	if v := os.Getenv("OFFLINE_PASSWORD"); v != "" {
		o.OfflinePassword = v
	}
	return o.Validate()
}

// Validate checks the combined options.
func (o *ClientOptions) Validate() error {
	if o.BaseURL == "" {
		return errors.New("base url must not be empty")
	}
	if o.CacheDir == "" {
		return errors.New("cache dir must not be empty")
	}
	if len(o.Collections) == 0 {
		return errors.New("no collections to sync")
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	return nil
}

// ServerOptions holds the configuration values for the reference server.
type ServerOptions struct {
	// Port defines the server's listening address (ip:port).
	Port string `json:"port"`

	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn"`

	// PurgeInterval and Retention drive the soft-delete cleaner.
	PurgeInterval Duration `json:"purge_interval"`
	Retention     Duration `json:"retention"`

	LogLevel string `json:"log_level"`

	// Config is the path to the Config file.
	Config string `json:"-"`
}

// ParseServer parses args (normally os.Args[1:]). Values from the config
// file override the flags, and environment variables override both.
func ParseServer(args []string) (*ServerOptions, error) {
	options := &ServerOptions{}
	var purge, retention time.Duration

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&options.Port, "a", "localhost:8080", "run on ip:port server")
	fs.StringVar(&options.DatabaseDSN, "d", "", "db address")
	fs.StringVar(&options.Config, "config", "config.json", "path to config file")
	fs.StringVar(&options.Config, "c", "config.json", "path to config file (shorthand)")
	fs.StringVar(&options.LogLevel, "log-level", "info", "log level")
	fs.DurationVar(&purge, "purge-interval", time.Hour, "soft-delete purge interval")
	fs.DurationVar(&retention, "retention", 30*24*time.Hour, "how long soft-deleted records are kept")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	options.PurgeInterval, options.Retention = Duration(purge), Duration(retention)

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}
	if err := readFile(options.Config, options); err != nil {
		return nil, err
	}

	if serverAddress := os.Getenv("SERVER_ADDRESS"); serverAddress != "" {
		options.Port = serverAddress
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		options.DatabaseDSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		options.LogLevel = level
	}
	return options, nil
}

// readFile unmarshals the JSON file at path into v. A missing file is not
// an error.
func readFile(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
