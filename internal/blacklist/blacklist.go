// Package blacklist decides whether a tunnel target host must be refused.
//
// The check is a heuristic against proxying into the server's own network.
// It works on the host literal only and does not resolve names, so it is
// not a complete SSRF defense.
package blacklist

import (
	"net/netip"
	"strings"
)

var blockedPrefixes = []string{
	"127.",
	"10.",
	"192.168.",
}

// Blocked reports whether proxying to host is forbidden.
//
// Every IPv6 literal is refused. The loopback address has many textual
// spellings (::1, ::0:1, 0:0::1, ...) and matching them precisely is
// unreliable, so the whole family is rejected. This is a known limitation.
//
// An empty host is refused since dialing ":port" reaches the local machine.
func Blocked(host string) bool {
	if strings.TrimSpace(host) == "" {
		return true
	}
	if host == "0.0.0.0" || host == "localhost" {
		return true
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return isIPv6(host)
}

func isIPv6(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Is6()
}
