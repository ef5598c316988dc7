// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for the
// broker and its client.
//
// ClientIP attributes an HTTP request to a source IP for quota
// accounting. AdvertiseIP selects the address published in the info
// snapshot and via service discovery, honoring a preferred subnet
// prefix. The response helpers bound all body reads at MaxResponseSize
// so a misbehaving server cannot force unbounded allocation.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// MaxResponseSize is the bound on JSON API response body reads: 8 MB.
// Broker responses are a few KB at most; the limit exists solely to
// cap memory against a pathological peer.
const MaxResponseSize int64 = 8 << 20

// ClientIP returns the source IP of an HTTP request as a string
// suitable for quota keying.
//
// When trustProxy is set, the first hop in X-Forwarded-For is honored
// for attribution. The header is never consulted for anything beyond
// attribution — in particular it cannot influence authentication.
// When trustProxy is unset (the default), the transport-level remote
// address is used and forwarded headers are ignored entirely.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port (e.g. in tests).
		return r.RemoteAddr
	}
	return host
}

// AdvertiseIP selects the IPv4 address to publish for this host. When
// preferPrefix is non-empty, the first interface address whose string
// form starts with the prefix wins (e.g. "192.168."). Otherwise the
// first global unicast IPv4 address is used, falling back to loopback
// when the host has no other addresses.
func AdvertiseIP(preferPrefix string) (net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var candidates []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				candidates = append(candidates, ip)
			}
		}
	}
	return PickAddress(candidates, preferPrefix)
}

// PickAddress chooses the advertise address from a candidate list:
// prefix match first, then global unicast, then loopback. Split from
// AdvertiseIP so the selection policy is testable without real
// interfaces.
func PickAddress(candidates []net.IP, preferPrefix string) (net.IP, error) {
	if preferPrefix != "" {
		for _, ip := range candidates {
			if strings.HasPrefix(ip.String(), preferPrefix) {
				return ip, nil
			}
		}
	}
	for _, ip := range candidates {
		if ip.IsGlobalUnicast() {
			return ip, nil
		}
	}
	for _, ip := range candidates {
		if ip.IsLoopback() {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no usable IPv4 address among %d candidates", len(candidates))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v. Replaces the common io.ReadAll +
// json.Unmarshal pattern.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are silently
// ignored — a partial or empty body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return strings.TrimSpace(string(data))
}
