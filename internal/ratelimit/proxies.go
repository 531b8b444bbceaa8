package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of networks whose X-Forwarded-For and
// X-Real-IP headers are believed. A nil set trusts no one, so the client
// address is always the connection's peer.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts CIDRs ("10.0.0.0/8") and bare addresses.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		tp.prefixes = append(tp.prefixes, prefix.Masked())
	}
	return tp, nil
}

// Contains reports whether addr belongs to a trusted network
func (tp *TrustedProxies) Contains(addr netip.Addr) bool {
	if tp == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address a request is attributed to. Forwarding
// headers are consulted only when the peer is a trusted proxy; the
// X-Forwarded-For chain is then walked from the right, skipping trusted
// hops, so a client cannot choose its own address by prepending entries.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	peer := remoteHost(r)
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !tp.Contains(peerAddr) {
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// unparseable entries past a trusted hop are attacker controlled
				break
			}
			if !tp.Contains(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return peer
}

// Strings lists the trusted networks in CIDR form
func (tp *TrustedProxies) Strings() []string {
	if tp == nil {
		return nil
	}
	out := make([]string, 0, len(tp.prefixes))
	for _, p := range tp.prefixes {
		out = append(out, p.String())
	}
	return out
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
