package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"verifier/pkg/policy"
)

// Config is the main configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Verifier VerifierConfig `yaml:"verifier"`
	Accounts AccountsConfig `yaml:"accounts"`
}

// ServerConfig holds http, storage and access settings.
type ServerConfig struct {
	Address   string    `yaml:"address"`
	Port      int       `yaml:"port"`
	DBPath    string    `yaml:"db_path"`
	TLS       TLSConfig `yaml:"tls"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	IPWhitelist []string `yaml:"ip_whitelist"`
	APIKeys     struct {
		Backend []string `yaml:"backend"`
		Admin   []string `yaml:"admin"`
	} `yaml:"api_keys"`
	// DisablePebbleWAL trades crash durability of the queue for write speed.
	DisablePebbleWAL bool `yaml:"disable_pebble_wal"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Sink is "" for stdout or "file:/path/to/log".
	Sink  string `yaml:"sink"`
	Audit struct {
		Enabled bool      `yaml:"enabled"`
		MaxSize SizeBytes `yaml:"max_size"`
	} `yaml:"audit"`
}

// VerifierConfig holds the request handling and batch settings.
type VerifierConfig struct {
	Cron      string   `yaml:"cron"`
	BatchSize int      `yaml:"batch_size"`
	MaxAge    Duration `yaml:"max_age"`
	// Deferred lists the request types that go through the queue instead
	// of being answered on arrival.
	Deferred         []string    `yaml:"deferred"`
	DefaultAuthority int         `yaml:"default_authority"`
	Rules            RulesConfig `yaml:"rules"`
}

// RulesConfig holds one optional rule per request type. A nil rule means
// requests of that type are ignored.
type RulesConfig struct {
	Contact     *policy.Rule `yaml:"contact"`
	GroupInvite *policy.Rule `yaml:"group_invite"`
	GroupJoin   *policy.Rule `yaml:"group_join"`
}

// AccountsConfig lists the bot accounts answers go out through.
type AccountsConfig struct {
	LivenessTTL Duration        `yaml:"liveness_ttl"`
	SendTimeout Duration        `yaml:"send_timeout"`
	List        []AccountConfig `yaml:"list"`
}

type AccountConfig struct {
	ID          string  `yaml:"id"`
	Platform    string  `yaml:"platform"`
	SelfID      string  `yaml:"self_id"`
	CallbackURL string  `yaml:"callback_url"`
	SendRPS     float64 `yaml:"send_rps"`
	SendBurst   int     `yaml:"send_burst"`
	// Live marks the account reachable at startup, before any heartbeat.
	Live bool `yaml:"live"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.Bytes(uint64(s)) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms", a day suffix like "30d", or plain numbers
// (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration accepts Go durations, "<n>d" days and bare seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		if f, err := strconv.ParseFloat(days, 64); err == nil {
			return Duration(time.Duration(f * float64(24*time.Hour))), nil
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
