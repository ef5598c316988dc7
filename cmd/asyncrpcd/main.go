// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/devioarts/asyncrpc/broker"
	"github.com/devioarts/asyncrpc/lib/discovery"
	"github.com/devioarts/asyncrpc/lib/netutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      string
		perMethodLimits []string
		logLevel        string
	)
	var cfg broker.Config

	pflag.StringVar(&configPath, "config", "", "path to yaml config file (flags override it)")
	pflag.IntVar(&cfg.Port, "port", 0, "TCP port to listen on (required)")
	pflag.StringVar(&cfg.Token, "token", "", "shared auth token for X-Auth-Token")
	pflag.StringVar(&cfg.Name, "name", "", "mDNS service name to advertise (empty disables)")
	pflag.StringVar(&cfg.PreferSubnetPrefix, "prefer-subnet-prefix", "", "preferred subnet prefix for the advertised address, e.g. 192.168.")
	pflag.IntVar(&cfg.AwaitTimeoutMs, "await-timeout-ms", 0, "max long-poll budget (0 = config default)")
	pflag.IntVar(&cfg.ResultTtlMs, "result-ttl-ms", 0, "default result retention")
	pflag.IntVar(&cfg.RequestTtlMs, "request-ttl-ms", 0, "default pending request lifetime")
	pflag.IntVar(&cfg.MaxResultTtlMs, "max-result-ttl-ms", 0, "cap on caller-supplied result TTLs")
	pflag.IntVar(&cfg.MaxRequestTtlMs, "max-request-ttl-ms", 0, "cap on caller-supplied request TTLs")
	pflag.IntVar(&cfg.MaxPending, "max-pending", 0, "global pending request cap")
	pflag.IntVar(&cfg.MaxPendingPerIP, "max-pending-per-ip", 0, "per-IP pending request cap")
	pflag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 0, "request body size cap")
	pflag.IntVar(&cfg.RateLimitPerMin, "rate-limit-per-min", 0, "token bucket refill per minute")
	pflag.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", 0, "token bucket capacity")
	pflag.StringSliceVar(&cfg.AllowedMethods, "allowed-methods", nil, "method allow-list (empty = all registered)")
	pflag.StringSliceVar(&perMethodLimits, "per-method-limit", nil, "per-method pending cap as method:n (repeatable)")
	pflag.BoolVar(&cfg.TrustProxyHeaders, "trust-proxy-headers", false, "honor X-Forwarded-For for IP attribution")
	pflag.BoolVar(&cfg.ConsumeOnAwait, "consume-on-await", false, "evict results on first successful await")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}

	cfg, err = mergeConfig(configPath, cfg, perMethodLimits)
	if err != nil {
		return err
	}
	if cfg.Port == 0 {
		return fmt.Errorf("--port is required (or set port in the config file)")
	}

	b, err := broker.New(broker.Options{
		Config:   cfg,
		Registry: demoRegistry(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	advertiser := discovery.Advertiser(discovery.Noop())
	if cfg.Name != "" {
		advertiser = discovery.NewMDNS(logger)
	}
	defer advertiser.Close()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-b.Ready():
		}
		ip, err := netutil.AdvertiseIP(cfg.PreferSubnetPrefix)
		if err != nil {
			logger.Warn("no advertise address", "error", err)
			return
		}
		logger.Info("broker reachable", "address", fmt.Sprintf("http://%s:%d", ip, cfg.Port))
		if cfg.Name == "" {
			return
		}
		if err := advertiser.Announce(discovery.Instance{Name: cfg.Name, IP: ip, Port: cfg.Port}); err != nil {
			logger.Error("mDNS advertisement failed", "error", err)
		}
	}()

	return b.Serve(ctx)
}

func newLogger(level string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
	slog.SetDefault(logger)
	return logger, nil
}

// mergeConfig loads the config file (when given) and overlays every
// flag the user set explicitly on top of it.
func mergeConfig(path string, flagCfg broker.Config, perMethodLimits []string) (broker.Config, error) {
	cfg := flagCfg
	if path != "" {
		fileCfg, err := broker.LoadConfig(path)
		if err != nil {
			return broker.Config{}, err
		}
		merged := fileCfg
		overlayConfig(&merged, flagCfg)
		cfg = merged
	}

	if len(perMethodLimits) > 0 {
		limits := make(map[string]int, len(perMethodLimits))
		for _, entry := range perMethodLimits {
			method, raw, ok := strings.Cut(entry, ":")
			if !ok {
				return broker.Config{}, fmt.Errorf("invalid --per-method-limit %q, want method:n", entry)
			}
			var limit int
			if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 {
				return broker.Config{}, fmt.Errorf("invalid --per-method-limit %q, want method:n with n >= 1", entry)
			}
			limits[method] = limit
		}
		cfg.PerMethodLimits = limits
	}
	return cfg, nil
}

// overlayConfig copies non-zero flag values over the file config.
// Booleans are copied only when true — there is no way to distinguish
// an unset bool flag from an explicit false, and false is the default
// everywhere a bool appears.
func overlayConfig(dst *broker.Config, flags broker.Config) {
	if flags.Port != 0 {
		dst.Port = flags.Port
	}
	if flags.Token != "" {
		dst.Token = flags.Token
	}
	if flags.Name != "" {
		dst.Name = flags.Name
	}
	if flags.PreferSubnetPrefix != "" {
		dst.PreferSubnetPrefix = flags.PreferSubnetPrefix
	}
	if flags.AwaitTimeoutMs != 0 {
		dst.AwaitTimeoutMs = flags.AwaitTimeoutMs
	}
	if flags.ResultTtlMs != 0 {
		dst.ResultTtlMs = flags.ResultTtlMs
	}
	if flags.RequestTtlMs != 0 {
		dst.RequestTtlMs = flags.RequestTtlMs
	}
	if flags.MaxResultTtlMs != 0 {
		dst.MaxResultTtlMs = flags.MaxResultTtlMs
	}
	if flags.MaxRequestTtlMs != 0 {
		dst.MaxRequestTtlMs = flags.MaxRequestTtlMs
	}
	if flags.MaxPending != 0 {
		dst.MaxPending = flags.MaxPending
	}
	if flags.MaxPendingPerIP != 0 {
		dst.MaxPendingPerIP = flags.MaxPendingPerIP
	}
	if flags.MaxBodyBytes != 0 {
		dst.MaxBodyBytes = flags.MaxBodyBytes
	}
	if flags.RateLimitPerMin != 0 {
		dst.RateLimitPerMin = flags.RateLimitPerMin
	}
	if flags.RateLimitBurst != 0 {
		dst.RateLimitBurst = flags.RateLimitBurst
	}
	if len(flags.AllowedMethods) > 0 {
		dst.AllowedMethods = flags.AllowedMethods
	}
	if flags.TrustProxyHeaders {
		dst.TrustProxyHeaders = true
	}
	if flags.ConsumeOnAwait {
		dst.ConsumeOnAwait = true
	}
}

// demoRegistry provides the stock methods every fresh broker serves.
// Real deployments embed the broker package and register their own.
func demoRegistry() *broker.Registry {
	registry := broker.NewRegistry()

	registry.RegisterFunc("sum", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var input struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, broker.Errorf(broker.KindBadRequest, "sum params: %v", err)
		}
		return json.Marshal(input.A + input.B)
	})

	registry.RegisterFunc("echo", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		if params == nil {
			return json.RawMessage("null"), nil
		}
		return params, nil
	})

	registry.RegisterFunc("sleep", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var input struct {
			Ms int `json:"ms"`
		}
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, broker.Errorf(broker.KindBadRequest, "sleep params: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(input.Ms) * time.Millisecond):
			return json.Marshal(input.Ms)
		}
	})

	return registry
}
