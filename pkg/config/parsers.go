package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"verifier/pkg/policy"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// parses command-line flags and returns them as a Flags struct
func ParseConfigFlags() Flags {
	return ParseConfigFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseConfigFlagSet parses args on fs; tests pass their own set.
func ParseConfigFlagSet(fs *flag.FlagSet, args []string) Flags {
	addrPtr := fs.String("addr", ":8080", "HTTP listen address")
	dbPtr := fs.String("db", "./.verifier", "Pebble DB path")
	cfgPtr := fs.String("config", "./config.yaml", "Path to config file")
	_ = fs.Parse(args)

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, true, nil
}

// envNames maps the short keys used below to VERIFIER_* variables.
var envNames = []string{
	"ADDR", "SERVER_ADDRESS", "SERVER_PORT", "DB_PATH",
	"TLS_CERT", "TLS_KEY",
	"RATE_RPS", "RATE_BURST", "IP_WHITELIST",
	"API_BACKEND_KEYS", "API_ADMIN_KEYS",
	"DISABLE_PEBBLE_WAL",
	"LOG_LEVEL", "LOG_SINK", "AUDIT_ENABLED", "AUDIT_MAX_SIZE",
	"CRON", "BATCH_SIZE", "MAX_AGE", "DEFERRED", "DEFAULT_AUTHORITY",
	"RULE_CONTACT", "RULE_GROUP_INVITE", "RULE_GROUP_JOIN",
	"ACCOUNTS_LIVENESS_TTL", "ACCOUNTS_SEND_TIMEOUT",
}

// loads environment variables into a new Config and returns it with EnvResult; caller config is unchanged
func ParseConfigEnvs() (*Config, EnvResult, error) {
	envs := make(map[string]string, len(envNames))
	envUsed := false
	for _, k := range envNames {
		v := strings.TrimSpace(os.Getenv("VERIFIER_" + k))
		envs[k] = v
		if v != "" {
			envUsed = true
		}
	}
	envCfg := &Config{}

	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}
	parseBool := func(v string) bool {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			return true
		}
		return false
	}
	parseRule := func(name, v string) (*policy.Rule, error) {
		if v == "" {
			return nil, nil
		}
		var r policy.Rule
		if err := yaml.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("VERIFIER_%s: %w", name, err)
		}
		return &r, nil
	}

	if v := envs["ADDR"]; v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			envCfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				envCfg.Server.Port = pi
			}
		} else {
			envCfg.Server.Address = v
		}
	} else {
		envCfg.Server.Address = envs["SERVER_ADDRESS"]
		if port := envs["SERVER_PORT"]; port != "" {
			pi, err := strconv.Atoi(port)
			if err != nil {
				return nil, EnvResult{}, fmt.Errorf("VERIFIER_SERVER_PORT: %w", err)
			}
			envCfg.Server.Port = pi
		}
	}
	envCfg.Server.DBPath = envs["DB_PATH"]
	envCfg.Server.TLS.CertFile = envs["TLS_CERT"]
	envCfg.Server.TLS.KeyFile = envs["TLS_KEY"]

	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			envCfg.Server.RateLimit.RPS = f
		}
	}
	if v := envs["RATE_BURST"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			envCfg.Server.RateLimit.Burst = n
		}
	}
	envCfg.Server.IPWhitelist = parseList(envs["IP_WHITELIST"])
	envCfg.Server.APIKeys.Backend = parseList(envs["API_BACKEND_KEYS"])
	envCfg.Server.APIKeys.Admin = parseList(envs["API_ADMIN_KEYS"])
	envCfg.Server.DisablePebbleWAL = parseBool(envs["DISABLE_PEBBLE_WAL"])

	// logging
	envCfg.Logging.Level = envs["LOG_LEVEL"]
	envCfg.Logging.Sink = envs["LOG_SINK"]
	envCfg.Logging.Audit.Enabled = parseBool(envs["AUDIT_ENABLED"])
	if v := envs["AUDIT_MAX_SIZE"]; v != "" {
		s, err := parseSize(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_AUDIT_MAX_SIZE: %w", err)
		}
		envCfg.Logging.Audit.MaxSize = s
	}

	// verifier
	envCfg.Verifier.Cron = envs["CRON"]
	if v := envs["BATCH_SIZE"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_BATCH_SIZE: %w", err)
		}
		envCfg.Verifier.BatchSize = n
	}
	if v := envs["MAX_AGE"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_MAX_AGE: %w", err)
		}
		envCfg.Verifier.MaxAge = d
	}
	envCfg.Verifier.Deferred = parseList(envs["DEFERRED"])
	if v := envs["DEFAULT_AUTHORITY"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_DEFAULT_AUTHORITY: %w", err)
		}
		envCfg.Verifier.DefaultAuthority = n
	}
	var err error
	if envCfg.Verifier.Rules.Contact, err = parseRule("RULE_CONTACT", envs["RULE_CONTACT"]); err != nil {
		return nil, EnvResult{}, err
	}
	if envCfg.Verifier.Rules.GroupInvite, err = parseRule("RULE_GROUP_INVITE", envs["RULE_GROUP_INVITE"]); err != nil {
		return nil, EnvResult{}, err
	}
	if envCfg.Verifier.Rules.GroupJoin, err = parseRule("RULE_GROUP_JOIN", envs["RULE_GROUP_JOIN"]); err != nil {
		return nil, EnvResult{}, err
	}

	// accounts; the list itself only comes from a config file
	if v := envs["ACCOUNTS_LIVENESS_TTL"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_ACCOUNTS_LIVENESS_TTL: %w", err)
		}
		envCfg.Accounts.LivenessTTL = d
	}
	if v := envs["ACCOUNTS_SEND_TIMEOUT"]; v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return nil, EnvResult{}, fmt.Errorf("VERIFIER_ACCOUNTS_SEND_TIMEOUT: %w", err)
		}
		envCfg.Accounts.SendTimeout = d
	}
	return envCfg, EnvResult{EnvUsed: envUsed}, nil
}

// decides which source to use and returns the effective config plus
// resolved addr and dbPath. An explicit --config uses only that file;
// otherwise the config file if present, else env. --addr and --db always
// override the chosen source.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	switch {
	case flags.Set["config"]:
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config, res.Source = fileCfg, "config"
	case fileExists:
		res.Config, res.Source = fileCfg, "config"
	default:
		res.Config, res.Source = envCfg, "env"
	}

	res.Addr = res.Config.Addr()
	res.DBPath = strings.TrimSpace(res.Config.Server.DBPath)
	if flags.Set["addr"] {
		res.Addr = flags.Addr
		if h, _, err := net.SplitHostPort(flags.Addr); err == nil {
			res.Config.Server.Address = h
			res.Config.Server.Port = parsePortFromAddr(flags.Addr)
		}
		res.Source = "flags"
	}
	if flags.Set["db"] {
		res.DBPath = flags.DB
		res.Source = "flags"
	}
	if res.DBPath == "" {
		res.DBPath = flags.DB
	}
	res.Config.Server.DBPath = res.DBPath
	return res, nil
}

// extracts port integer from host:port string
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}
