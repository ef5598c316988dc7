// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Port: 6002}.withDefaults()

	if cfg.AwaitTimeoutMs != defaultAwaitTimeoutMs {
		t.Errorf("AwaitTimeoutMs = %d, want %d", cfg.AwaitTimeoutMs, defaultAwaitTimeoutMs)
	}
	if cfg.ResultTtlMs != defaultResultTtlMs {
		t.Errorf("ResultTtlMs = %d, want %d", cfg.ResultTtlMs, defaultResultTtlMs)
	}
	if cfg.RequestTtlMs != defaultRequestTtlMs {
		t.Errorf("RequestTtlMs = %d, want %d", cfg.RequestTtlMs, defaultRequestTtlMs)
	}
	if cfg.MaxPending != defaultMaxPending {
		t.Errorf("MaxPending = %d, want %d", cfg.MaxPending, defaultMaxPending)
	}
	if cfg.MaxPendingPerIP != defaultMaxPendingPerIP {
		t.Errorf("MaxPendingPerIP = %d, want %d", cfg.MaxPendingPerIP, defaultMaxPendingPerIP)
	}
	if cfg.MaxBodyBytes != defaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, defaultMaxBodyBytes)
	}
	if cfg.RateLimitPerMin != defaultRatePerMin || cfg.RateLimitBurst != defaultRateBurst {
		t.Errorf("rate limit = %d/%d, want %d/%d",
			cfg.RateLimitPerMin, cfg.RateLimitBurst, defaultRatePerMin, defaultRateBurst)
	}

	t.Run("negative_values_preserved", func(t *testing.T) {
		cfg := Config{Port: 6002, MaxPending: -1, RateLimitPerMin: -1}.withDefaults()
		if cfg.MaxPending != -1 {
			t.Errorf("MaxPending = %d, want -1 (unlimited)", cfg.MaxPending)
		}
		if cfg.RateLimitPerMin != -1 {
			t.Errorf("RateLimitPerMin = %d, want -1 (disabled)", cfg.RateLimitPerMin)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("port_required", func(t *testing.T) {
		if err := (Config{}.withDefaults()).Validate(); err == nil {
			t.Fatal("Validate accepted a zero port")
		}
		if err := (Config{Port: 70000}.withDefaults()).Validate(); err == nil {
			t.Fatal("Validate accepted an out-of-range port")
		}
	})

	t.Run("negative_ttls_rejected", func(t *testing.T) {
		if err := (Config{Port: 6002, ResultTtlMs: -1}.withDefaults()).Validate(); err == nil {
			t.Fatal("Validate accepted a negative resultTtlMs")
		}
		if err := (Config{Port: 6002, RequestTtlMs: -1}.withDefaults()).Validate(); err == nil {
			t.Fatal("Validate accepted a negative requestTtlMs")
		}
		if err := (Config{Port: 6002, MaxRequestTtlMs: -1}.withDefaults()).Validate(); err == nil {
			t.Fatal("Validate accepted a negative maxRequestTtlMs")
		}
	})

	t.Run("per_method_limit_must_be_positive", func(t *testing.T) {
		cfg := Config{Port: 6002, PerMethodLimits: map[string]int{"work": 0}}.withDefaults()
		if err := cfg.Validate(); err == nil {
			t.Fatal("Validate accepted a zero per-method limit")
		}
	})

	t.Run("defaulted_config_is_valid", func(t *testing.T) {
		if err := (Config{Port: 6002}.withDefaults()).Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestConfigTTLClamps(t *testing.T) {
	cfg := Config{Port: 6002}.withDefaults()

	t.Run("unspecified_uses_default", func(t *testing.T) {
		if got := cfg.requestTTL(0); got != time.Duration(defaultRequestTtlMs)*time.Millisecond {
			t.Errorf("requestTTL(0) = %v", got)
		}
		if got := cfg.resultTTL(-7); got != time.Duration(defaultResultTtlMs)*time.Millisecond {
			t.Errorf("resultTTL(-7) = %v", got)
		}
	})

	t.Run("caller_value_honored_within_cap", func(t *testing.T) {
		if got := cfg.requestTTL(5_000); got != 5*time.Second {
			t.Errorf("requestTTL(5000) = %v, want 5s", got)
		}
	})

	t.Run("excessive_value_clamped_to_cap", func(t *testing.T) {
		if got := cfg.requestTTL(10_000_000); got != time.Duration(defaultMaxRequestTtlMs)*time.Millisecond {
			t.Errorf("requestTTL(10000000) = %v", got)
		}
		if got := cfg.resultTTL(10_000_000); got != time.Duration(defaultMaxResultTtlMs)*time.Millisecond {
			t.Errorf("resultTTL(10000000) = %v", got)
		}
	})
}

func TestConfigAwaitBudget(t *testing.T) {
	cfg := Config{Port: 6002, AwaitTimeoutMs: 1_000}.withDefaults()

	t.Run("absent_means_immediate", func(t *testing.T) {
		if got := cfg.awaitBudget(0); got != 0 {
			t.Errorf("awaitBudget(0) = %v, want 0", got)
		}
	})
	t.Run("bounded_by_server_maximum", func(t *testing.T) {
		if got := cfg.awaitBudget(500); got != 500*time.Millisecond {
			t.Errorf("awaitBudget(500) = %v, want 500ms", got)
		}
		if got := cfg.awaitBudget(60_000); got != time.Second {
			t.Errorf("awaitBudget(60000) = %v, want 1s", got)
		}
	})
	t.Run("disabled_long_poll", func(t *testing.T) {
		cfg := Config{Port: 6002, AwaitTimeoutMs: -1}.withDefaults()
		if got := cfg.awaitBudget(5_000); got != 0 {
			t.Errorf("awaitBudget = %v, want 0 when long-polling is disabled", got)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	writeConfig := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "broker.yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("parses_known_fields", func(t *testing.T) {
		path := writeConfig(t, strings.Join([]string{
			"port: 6002",
			"token: secret",
			"maxPending: 100",
			"maxPendingPerIp: 4",
			"allowedMethods: [sum, echo]",
			"perMethodLimits:",
			"  sum: 2",
			"consumeOnAwait: true",
		}, "\n"))

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Port != 6002 || cfg.Token != "secret" || cfg.MaxPending != 100 {
			t.Errorf("unexpected config: %+v", cfg)
		}
		if cfg.MaxPendingPerIP != 4 {
			t.Errorf("MaxPendingPerIP = %d, want 4", cfg.MaxPendingPerIP)
		}
		if len(cfg.AllowedMethods) != 2 || cfg.PerMethodLimits["sum"] != 2 {
			t.Errorf("method config not parsed: %+v", cfg)
		}
		if !cfg.ConsumeOnAwait {
			t.Error("ConsumeOnAwait not parsed")
		}
	})

	t.Run("rejects_unknown_keys", func(t *testing.T) {
		path := writeConfig(t, "port: 6002\nmaxPnding: 100\n")
		if _, err := LoadConfig(path); err == nil {
			t.Fatal("LoadConfig accepted a typoed key")
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Fatal("LoadConfig succeeded on a missing file")
		}
	})
}
