// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery advertises a running broker on the local network.
//
// The broker core never imports this package; it only publishes a
// {name, port} pair through the Advertiser interface, wired in by the
// daemon. Resolution mechanics live entirely on the consumer side
// (clients browse mDNS themselves).
package discovery

import (
	"fmt"
	"net"
	"strings"
)

// Instance describes one advertised broker.
type Instance struct {
	// Name is the service name as configured (free-form; it is
	// sanitized into a DNS label before advertisement).
	Name string

	// IP is the address to answer queries with.
	IP net.IP

	// Port the broker listens on. Informational: mDNS host
	// advertisement resolves the name to IP; consumers combine it
	// with the port from their own configuration or the info
	// endpoint.
	Port int
}

// Advertiser publishes broker instances. Implementations must be safe
// to Close more than once.
type Advertiser interface {
	// Announce starts advertising the instance and returns once the
	// advertisement is live.
	Announce(instance Instance) error

	// Close withdraws any active advertisement.
	Close() error
}

// Noop returns an Advertiser that does nothing. Used when no service
// name is configured.
func Noop() Advertiser { return noopAdvertiser{} }

type noopAdvertiser struct{}

func (noopAdvertiser) Announce(Instance) error { return nil }
func (noopAdvertiser) Close() error            { return nil }

// LocalName converts a configured service name into the mDNS name it
// is advertised under: lowercased, spaces and underscores collapsed to
// hyphens, with a ".local" suffix.
func LocalName(name string) (string, error) {
	label := strings.ToLower(strings.TrimSpace(name))
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ', r == '_', r == '.':
			return '-'
		default:
			return -1
		}
	}, label)
	label = strings.Trim(label, "-")
	if label == "" {
		return "", fmt.Errorf("service name %q contains no usable characters", name)
	}
	if len(label) > 63 {
		return "", fmt.Errorf("service name %q exceeds 63 characters after sanitization", name)
	}
	return label + ".local", nil
}
