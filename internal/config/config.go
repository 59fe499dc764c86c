package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	ServerURL      string    `toml:"server_url"`
	DefaultSession string    `toml:"default_session"`
	Timeouts       Timeouts  `toml:"timeouts"`
	Reconnect      Reconnect `toml:"reconnect"`
}

// Timeouts tunes the engine's deadlines. Zero values use the defaults.
type Timeouts struct {
	Ack           duration `toml:"ack"`
	TypingIdle    duration `toml:"typing_idle"`
	PeerTypingTTL duration `toml:"peer_typing_ttl"`
	History       duration `toml:"history"`
}

// Reconnect tunes the backoff schedule.
type Reconnect struct {
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// duration unmarshals TOML strings like "5s" or "500ms".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// AckTimeout returns the configured ack deadline or 0 when unset.
func (t Timeouts) AckTimeout() time.Duration { return time.Duration(t.Ack) }

// TypingIdleTimeout returns the configured local typing idle window.
func (t Timeouts) TypingIdleTimeout() time.Duration { return time.Duration(t.TypingIdle) }

// PeerTypingTTLTimeout returns the configured peer typing expiry.
func (t Timeouts) PeerTypingTTLTimeout() time.Duration { return time.Duration(t.PeerTypingTTL) }

// HistoryTimeout returns the configured history fetch deadline.
func (t Timeouts) HistoryTimeout() time.Duration { return time.Duration(t.History) }

// BaseDelayDuration returns the configured backoff base or 0 when unset.
func (r Reconnect) BaseDelayDuration() time.Duration { return time.Duration(r.BaseDelay) }

// MaxDelayDuration returns the configured backoff cap or 0 when unset.
func (r Reconnect) MaxDelayDuration() time.Duration { return time.Duration(r.MaxDelay) }

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
