package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatsync/internal/jid"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
}

// Session is the per-session config.toml.
type Session struct {
	SelfJID string       `toml:"self_jid"`
	Remote  RemoteConfig `toml:"remote"`
	Sync    SyncConfig   `toml:"sync"`
	Daemon  DaemonConfig `toml:"daemon"`
}

// RemoteConfig locates the history service.
type RemoteConfig struct {
	BaseURL        string   `toml:"base_url"`
	Token          string   `toml:"token"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// SyncConfig tunes the sync passes.
type SyncConfig struct {
	PageSize            int      `toml:"page_size"`
	IncrementalPageSize int      `toml:"incremental_page_size"`
	PageTimeout         Duration `toml:"page_timeout"`
	PassTimeout         Duration `toml:"pass_timeout"`
	Workers             int      `toml:"workers"`
	DirectoryTTL        Duration `toml:"directory_ttl"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	LogLevel       string   `toml:"log_level"`
	MetricsAddr    string   `toml:"metrics_addr"`
	OutboxInterval Duration `toml:"outbox_interval"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a session config with every optional value filled.
func Defaults() *Session {
	return &Session{
		Remote: RemoteConfig{
			RequestTimeout: Duration{15 * time.Second},
		},
		Sync: SyncConfig{
			PageSize:            100,
			IncrementalPageSize: 50,
			PageTimeout:         Duration{30 * time.Second},
			PassTimeout:         Duration{10 * time.Minute},
			Workers:             4,
			DirectoryTTL:        Duration{time.Hour},
		},
		Daemon: DaemonConfig{
			LogLevel:       "info",
			OutboxInterval: Duration{500 * time.Millisecond},
		},
	}
}

// Validate rejects settings the daemon cannot run with.
func (s *Session) Validate() error {
	var errs []error
	if !jid.Valid(s.SelfJID) {
		errs = append(errs, fmt.Errorf("self_jid %q is not a valid address", s.SelfJID))
	}
	if s.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	} else if u, err := url.Parse(s.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q must be an http(s) URL", s.Remote.BaseURL))
	}
	if s.Sync.PageSize <= 0 {
		errs = append(errs, errors.New("sync.page_size must be positive"))
	}
	if s.Sync.IncrementalPageSize <= 0 {
		errs = append(errs, errors.New("sync.incremental_page_size must be positive"))
	}
	if s.Sync.Workers < 1 {
		errs = append(errs, errors.New("sync.workers must be at least 1"))
	}
	if _, err := zapcore.ParseLevel(s.Daemon.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("daemon.log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSession reads a session config, starting from Defaults so that absent
// keys keep their default values. The result is not validated.
func LoadSession(path string) (*Session, error) {
	s := Defaults()
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown keys %v", path, undecoded)
	}
	return s, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return write(path, cfg)
}

// SaveSession writes a session config to path.
func SaveSession(path string, s *Session) error {
	return write(path, s)
}

func write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
