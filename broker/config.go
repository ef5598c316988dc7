// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's start-time configuration contract. All
// durations are millisecond integers, matching the wire-level
// parameter names of the native implementations. Zero values mean
// "use the default"; defaults are applied by withDefaults, never
// written back to the caller's struct.
type Config struct {
	// Port is the TCP port to listen on. Required.
	Port int `yaml:"port" json:"port"`

	// PreferSubnetPrefix selects which local address is published in
	// the info snapshot and via discovery when the host has several
	// (e.g. "192.168.").
	PreferSubnetPrefix string `yaml:"preferSubnetPrefix" json:"preferSubnetPrefix,omitempty"`

	// Token, when set, is required in the X-Auth-Token header of
	// every request except GET /health.
	Token string `yaml:"token" json:"-"`

	// Name is the service-discovery name to advertise. Empty
	// disables advertisement.
	Name string `yaml:"name" json:"name,omitempty"`

	// AwaitTimeoutMs caps the long-poll budget a caller may request
	// on GET /rpc/await. 0 disables long-polling entirely: pending
	// ids always answer 204 immediately.
	AwaitTimeoutMs int `yaml:"awaitTimeoutMs" json:"awaitTimeoutMs"`

	// ResultTtlMs is the default retention for results whose
	// submission did not specify one.
	ResultTtlMs int `yaml:"resultTtlMs" json:"resultTtlMs"`

	// RequestTtlMs is the default lifetime of an unfinished request.
	RequestTtlMs int `yaml:"requestTtlMs" json:"requestTtlMs"`

	// MaxResultTtlMs and MaxRequestTtlMs clamp caller-supplied TTLs.
	MaxResultTtlMs  int `yaml:"maxResultTtlMs" json:"maxResultTtlMs"`
	MaxRequestTtlMs int `yaml:"maxRequestTtlMs" json:"maxRequestTtlMs"`

	// MaxPending caps live pending requests globally. <= 0 after
	// defaulting means unlimited.
	MaxPending int `yaml:"maxPending" json:"maxPending"`

	// MaxPendingPerIP caps live pending requests per source IP.
	MaxPendingPerIP int `yaml:"maxPendingPerIp" json:"maxPendingPerIp"`

	// MaxBodyBytes caps the serialized request body.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" json:"maxBodyBytes"`

	// RateLimitPerMin and RateLimitBurst shape the per-IP token
	// bucket: capacity RateLimitBurst, refill RateLimitPerMin/60
	// tokens per second. RateLimitPerMin <= 0 disables rate
	// limiting.
	RateLimitPerMin int `yaml:"rateLimitPerMin" json:"rateLimitPerMin"`
	RateLimitBurst  int `yaml:"rateLimitBurst" json:"rateLimitBurst"`

	// AllowedMethods restricts submittable methods. Empty means any
	// registered method is allowed.
	AllowedMethods []string `yaml:"allowedMethods" json:"allowedMethods,omitempty"`

	// PerMethodLimits caps live pending requests per method name.
	PerMethodLimits map[string]int `yaml:"perMethodLimits" json:"perMethodLimits,omitempty"`

	// TrustProxyHeaders honors X-Forwarded-For for source IP
	// attribution (quota accounting only — never for auth).
	TrustProxyHeaders bool `yaml:"trustProxyHeaders" json:"trustProxyHeaders"`

	// ConsumeOnAwait evicts a result on its first successful
	// collection (at-most-once delivery). When false (the default),
	// results remain readable until their TTL expires (idempotent
	// polling).
	ConsumeOnAwait bool `yaml:"consumeOnAwait" json:"consumeOnAwait"`

	// SweepIntervalMs is the period of the background expiry sweep.
	SweepIntervalMs int `yaml:"sweepIntervalMs" json:"sweepIntervalMs"`
}

// Defaults mirror the reference implementations' start parameters.
const (
	defaultAwaitTimeoutMs  = 30_000
	defaultResultTtlMs     = 60_000
	defaultRequestTtlMs    = 120_000
	defaultMaxResultTtlMs  = 300_000
	defaultMaxRequestTtlMs = 300_000
	defaultMaxPending      = 512
	defaultMaxPendingPerIP = 16
	defaultMaxBodyBytes    = 256 * 1024
	defaultRatePerMin      = 300
	defaultRateBurst       = 30
	defaultSweepIntervalMs = 1_000
)

// withDefaults returns a copy with zero-valued tunables replaced by
// their defaults. Negative values are preserved (they mean
// "unlimited" for caps and "disabled" for the rate limiter).
func (c Config) withDefaults() Config {
	setIfZero := func(field *int, def int) {
		if *field == 0 {
			*field = def
		}
	}
	setIfZero(&c.AwaitTimeoutMs, defaultAwaitTimeoutMs)
	setIfZero(&c.ResultTtlMs, defaultResultTtlMs)
	setIfZero(&c.RequestTtlMs, defaultRequestTtlMs)
	setIfZero(&c.MaxResultTtlMs, defaultMaxResultTtlMs)
	setIfZero(&c.MaxRequestTtlMs, defaultMaxRequestTtlMs)
	setIfZero(&c.MaxPending, defaultMaxPending)
	setIfZero(&c.MaxPendingPerIP, defaultMaxPendingPerIP)
	setIfZero(&c.RateLimitPerMin, defaultRatePerMin)
	setIfZero(&c.RateLimitBurst, defaultRateBurst)
	setIfZero(&c.SweepIntervalMs, defaultSweepIntervalMs)
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

// Validate checks the fields a broker cannot run without.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", c.Port)
	}
	if c.ResultTtlMs < 0 || c.RequestTtlMs < 0 {
		return fmt.Errorf("default TTLs must not be negative (resultTtlMs=%d, requestTtlMs=%d)",
			c.ResultTtlMs, c.RequestTtlMs)
	}
	if c.MaxResultTtlMs < 0 || c.MaxRequestTtlMs < 0 {
		return fmt.Errorf("TTL caps must not be negative (maxResultTtlMs=%d, maxRequestTtlMs=%d)",
			c.MaxResultTtlMs, c.MaxRequestTtlMs)
	}
	for method, limit := range c.PerMethodLimits {
		if limit < 1 {
			return fmt.Errorf("perMethodLimits[%q] = %d, must be >= 1", method, limit)
		}
	}
	return nil
}

// LoadConfig reads a yaml config file. Unknown keys are rejected so a
// typoed tunable fails loudly instead of silently using a default.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return config, nil
}

// requestTTL clamps a caller-supplied request TTL (milliseconds) to
// [1ms, maxRequestTtl], applying the default when unspecified.
func (c Config) requestTTL(requestedMs int) time.Duration {
	return clampTTL(requestedMs, c.RequestTtlMs, c.MaxRequestTtlMs)
}

// resultTTL clamps a caller-supplied result TTL (milliseconds) to
// [1ms, maxResultTtl], applying the default when unspecified.
func (c Config) resultTTL(requestedMs int) time.Duration {
	return clampTTL(requestedMs, c.ResultTtlMs, c.MaxResultTtlMs)
}

func clampTTL(requestedMs, defaultMs, maxMs int) time.Duration {
	ms := requestedMs
	if ms <= 0 {
		ms = defaultMs
	}
	if maxMs > 0 && ms > maxMs {
		ms = maxMs
	}
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// awaitBudget bounds a caller-requested long-poll budget by the
// configured server-side maximum. Absent or non-positive requests
// mean "answer immediately".
func (c Config) awaitBudget(requestedMs int) time.Duration {
	if requestedMs <= 0 || c.AwaitTimeoutMs <= 0 {
		return 0
	}
	if requestedMs > c.AwaitTimeoutMs {
		requestedMs = c.AwaitTimeoutMs
	}
	return time.Duration(requestedMs) * time.Millisecond
}

func (c Config) sweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
