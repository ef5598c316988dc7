// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MDNS advertises an instance over multicast DNS, answering queries
// for "<name>.local" with the instance address. IPv4 is required;
// IPv6 is best-effort (some hosts have multicast IPv6 disabled).
type MDNS struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn *mdns.Conn
}

// NewMDNS creates an mDNS advertiser. Panics if logger is nil.
func NewMDNS(logger *slog.Logger) *MDNS {
	if logger == nil {
		panic("discovery.MDNS: logger is required")
	}
	return &MDNS{logger: logger}
}

// Announce binds the multicast sockets and starts answering queries.
// Calling Announce a second time replaces the previous advertisement.
func (m *MDNS) Announce(instance Instance) error {
	localName, err := LocalName(instance.Name)
	if err != nil {
		return err
	}

	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return fmt.Errorf("resolving mDNS IPv4 group: %w", err)
	}
	listener4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return fmt.Errorf("binding mDNS IPv4 socket: %w", err)
	}

	var packetConn6 *ipv6.PacketConn
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err == nil {
		if listener6, err := net.ListenUDP("udp6", addr6); err == nil {
			packetConn6 = ipv6.NewPacketConn(listener6)
		} else {
			m.logger.Debug("mDNS IPv6 unavailable", "error", err)
		}
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(listener4), packetConn6, &mdns.Config{
		LocalNames:   []string{localName},
		LocalAddress: instance.IP,
	})
	if err != nil {
		listener4.Close()
		return fmt.Errorf("starting mDNS responder: %w", err)
	}

	m.mu.Lock()
	previous := m.conn
	m.conn = conn
	m.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	m.logger.Info("mDNS advertisement live",
		"name", localName,
		"address", instance.IP.String(),
		"port", instance.Port,
	)
	return nil
}

// Close withdraws the advertisement. Safe to call without a prior
// Announce and safe to call twice.
func (m *MDNS) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
