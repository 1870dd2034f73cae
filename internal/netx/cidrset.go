// Package netx holds the address helpers used to find the real client behind
// the load balancer.
package netx

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// CIDRSet is a list of trusted proxy networks.
type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet accepts CIDRs and bare IPs (treated as /32 or /128).
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid ip: %q", s)
			}
			addr = addr.Unmap()
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return set, nil
}

func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

func (s *CIDRSet) Contains(ip netip.Addr) bool {
	if s == nil || len(s.prefixes) == 0 || !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// RemoteIP parses the host part of an http.Request RemoteAddr.
func RemoteIP(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// FirstForwarded returns the left-most valid address of an X-Forwarded-For
// value, which is the original client.
func FirstForwarded(xff string) (netip.Addr, bool) {
	first, _, _ := strings.Cut(xff, ",")
	ip, err := netip.ParseAddr(strings.TrimSpace(first))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
