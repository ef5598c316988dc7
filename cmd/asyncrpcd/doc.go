// Copyright 2026 The AsyncRPC Authors
// SPDX-License-Identifier: Apache-2.0

// asyncrpcd runs a standalone asynchronous RPC broker.
//
// Configuration comes from an optional yaml file (--config) with
// flags layered on top; every broker tunable has a flag. The daemon
// registers a small set of demonstration methods (sum, echo, sleep)
// so a fresh install can be exercised end to end:
//
//	asyncrpcd --port 6002 --token MyToken --allowed-methods sum
//	curl -H 'X-Auth-Token: MyToken' http://<ip>:6002/info
//
// With --name set, the broker is advertised over mDNS as
// "<name>.local" so LAN clients can find it without knowing the IP.
package main
