package common

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns ClientAddr as a string, falling back to the raw peer host
// when it cannot be parsed.
func ClientIP(r *http.Request, trustForwarded bool, proxies ...netip.Prefix) string {
	if r == nil {
		return ""
	}
	if addr, ok := ClientAddr(r, trustForwarded, proxies...); ok {
		return addr.String()
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// ClientAddr resolves the address of the caller. Without trustForwarded it is
// the TCP peer. Otherwise X-Forwarded-For is walked from the right: hops inside
// proxies are skipped and the first hop outside them is the client. With no
// proxies only the rightmost hop, the one appended by our own proxy, is
// believed. Entries left of it are caller supplied and never used.
func ClientAddr(r *http.Request, trustForwarded bool, proxies ...netip.Prefix) (netip.Addr, bool) {
	if r == nil {
		return netip.Addr{}, false
	}
	peer, peerOK := peerAddr(r)
	if !trustForwarded {
		return peer, peerOK
	}
	if len(proxies) > 0 && (!peerOK || !inPrefixes(proxies, peer)) {
		return peer, peerOK
	}
	hops := forwardedHops(r)
	if len(hops) == 0 {
		return peer, peerOK
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			return netip.Addr{}, false
		}
		addr = addr.Unmap()
		if i > 0 && inPrefixes(proxies, addr) {
			continue
		}
		return addr, true
	}
	return peer, peerOK
}

func peerAddr(r *http.Request) (netip.Addr, bool) {
	raw := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// forwardedHops flattens every X-Forwarded-For header into one ordered list.
func forwardedHops(r *http.Request) []string {
	var hops []string
	for _, value := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(value, ",") {
			if hop := strings.TrimSpace(part); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

func inPrefixes(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
