package ws

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
)

// OriginPolicy decides which Origin headers may upgrade. The allow-list is
// swappable at runtime (config hot-reload) without restarting the listener.
//
// Rules:
//   - No Origin header (native clients, curl): always allowed.
//   - Empty allow-list: only local-loopback origins are allowed.
//   - Otherwise the origin must match a list entry — either the full origin
//     string or its host (scheme-agnostic, so ws:// and http:// are equal).
type OriginPolicy struct {
	allowed atomic.Value // []string
}

// NewOriginPolicy returns a policy with the given allow-list.
func NewOriginPolicy(allow []string) *OriginPolicy {
	p := &OriginPolicy{}
	p.Update(allow)
	return p
}

// Update replaces the allow-list. Safe to call while connections are being
// accepted; in-flight checks see either the old or the new list.
func (p *OriginPolicy) Update(allow []string) {
	cp := make([]string, len(allow))
	copy(cp, allow)
	p.allowed.Store(cp)
}

// Allow reports whether a request presenting the given Origin header value
// may be upgraded.
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	host, err := parseHost(origin)
	if err != nil {
		return false
	}

	allow := p.allowed.Load().([]string)
	if len(allow) == 0 {
		return isLoopbackHost(host)
	}
	for _, entry := range allow {
		if strings.EqualFold(entry, origin) || strings.EqualFold(entry, host) {
			return true
		}
		if eh, err := parseHost(entry); err == nil && strings.EqualFold(eh, host) {
			return true
		}
	}
	return false
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// isLoopbackHost reports whether host (possibly host:port) is a loopback
// address or the name "localhost".
func isLoopbackHost(host string) bool {
	h := host
	if sh, _, err := net.SplitHostPort(host); err == nil {
		h = sh
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
