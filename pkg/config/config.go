package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"verifier/pkg/accounts"
	"verifier/pkg/models"
	"verifier/pkg/verifier"
)

const (
	defaultCron          = "0 */3 * * *" // every three hours
	defaultBatchSize     = 3
	defaultMaxAge        = 30 * 24 * time.Hour
	defaultAuthority     = 1
	defaultSendTimeout   = 10 * time.Second
	defaultRateRPS       = 100
	defaultRateBurst     = 200
	defaultAuditMaxSize  = 64 * 1024 * 1024
	defaultPort          = 8080
	defaultListenAddress = "0.0.0.0"
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultListenAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML bytes into a Config.
func ParseConfig(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value with its default and validates what
// the verifier needs to run. It mutates the receiver.
func (c *Config) ApplyDefaults() error {
	if c.Server.RateLimit.RPS <= 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.MaxSize.Int64() == 0 {
		c.Logging.Audit.MaxSize = SizeBytes(defaultAuditMaxSize)
	}

	v := &c.Verifier
	if v.Cron == "" {
		v.Cron = defaultCron
	}
	if !gronx.New().IsValid(v.Cron) {
		return fmt.Errorf("invalid verifier.cron expression: %s", v.Cron)
	}
	if v.BatchSize == 0 {
		v.BatchSize = defaultBatchSize
	}
	if v.BatchSize < 1 {
		return fmt.Errorf("verifier.batch_size must be at least 1, got %d", v.BatchSize)
	}
	if v.MaxAge.Duration() == 0 {
		v.MaxAge = Duration(defaultMaxAge)
	}
	if v.MaxAge.Duration() < 0 {
		return fmt.Errorf("verifier.max_age must be positive")
	}
	if v.DefaultAuthority == 0 {
		v.DefaultAuthority = defaultAuthority
	}
	if _, err := c.DeferredTypes(); err != nil {
		return err
	}

	a := &c.Accounts
	if a.SendTimeout.Duration() == 0 {
		a.SendTimeout = Duration(defaultSendTimeout)
	}
	seen := make(map[string]bool, len(a.List))
	for i, acc := range a.List {
		if strings.TrimSpace(acc.ID) == "" {
			return fmt.Errorf("accounts.list[%d]: id is required", i)
		}
		if seen[acc.ID] {
			return fmt.Errorf("accounts.list[%d]: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
		if acc.CallbackURL == "" {
			return fmt.Errorf("accounts.list[%d] (%s): callback_url is required", i, acc.ID)
		}
		if acc.SendRPS < 0 || acc.SendBurst < 0 {
			return fmt.Errorf("accounts.list[%d] (%s): send_rps and send_burst must not be negative", i, acc.ID)
		}
	}
	return nil
}

// DeferredTypes parses verifier.deferred.
func (c *Config) DeferredTypes() ([]models.RequestType, error) {
	out := make([]models.RequestType, 0, len(c.Verifier.Deferred))
	for _, s := range c.Verifier.Deferred {
		t, err := models.ParseRequestType(s)
		if err != nil {
			return nil, fmt.Errorf("verifier.deferred: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Rules returns the configured rule per request type. Unset types are
// absent from the map.
func (c *Config) Rules() verifier.Rules {
	out := verifier.Rules{}
	r := c.Verifier.Rules
	if r.Contact != nil {
		out[models.RequestContact] = *r.Contact
	}
	if r.GroupInvite != nil {
		out[models.RequestGroupInvite] = *r.GroupInvite
	}
	if r.GroupJoin != nil {
		out[models.RequestGroupJoin] = *r.GroupJoin
	}
	return out
}

// AccountList converts the configured accounts for the registry.
func (c *Config) AccountList() []accounts.Account {
	out := make([]accounts.Account, 0, len(c.Accounts.List))
	for _, a := range c.Accounts.List {
		out = append(out, accounts.Account{
			ID:          a.ID,
			Platform:    a.Platform,
			SelfID:      a.SelfID,
			CallbackURL: a.CallbackURL,
			SendRPS:     a.SendRPS,
			SendBurst:   a.SendBurst,
		})
	}
	return out
}

// Summary lists the effective settings for the startup banner.
func (c *Config) Summary() []string {
	items := []string{
		"cron: " + c.Verifier.Cron,
		fmt.Sprintf("batch_size: %d per account", c.Verifier.BatchSize),
		"max_age: " + c.Verifier.MaxAge.String(),
		"deferred: " + strings.Join(c.Verifier.Deferred, ", "),
	}
	rules := c.Rules()
	for _, t := range models.RequestTypes {
		if r, ok := rules[t]; ok {
			items = append(items, fmt.Sprintf("rule %s: %s", t, r))
		}
	}
	items = append(items, fmt.Sprintf("accounts: %d", len(c.Accounts.List)))
	return items
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("VERIFIER_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
