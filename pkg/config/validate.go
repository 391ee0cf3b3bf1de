package config

import (
	"fmt"
	"os"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db flag, VERIFIER_DB_PATH env, or server.db_path in config")
	}

	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return err
	}

	deferred, _ := cfg.DeferredTypes()
	rules := cfg.Rules()
	for _, t := range deferred {
		if _, ok := rules[t]; !ok {
			return fmt.Errorf("verifier.deferred lists %s but verifier.rules has no rule for it", t)
		}
	}
	if len(deferred) > 0 && len(cfg.Accounts.List) == 0 {
		return fmt.Errorf("deferred processing needs at least one entry in accounts.list")
	}
	return nil
}
