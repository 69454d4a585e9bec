package webhook

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateV4Blocks are the reserved/private IPv4 ranges a webhook destination
// must never resolve into. Loopback is covered separately.
var privateV4Blocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // carrier-grade NAT
	"0.0.0.0/8",
)

var privateV6Blocks = mustParseCIDRs(
	"fc00::/7",  // unique local
	"fe80::/10", // link-local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhook: invalid CIDR literal %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// CheckSSRF inspects a candidate webhook URL and returns a non-empty reason
// when it must be rejected: non-http(s) scheme, unparsable URL, or a host
// that resolves to loopback, private, link-local, CGNAT, or IPv6 ULA/LL
// space. Returns "" when the URL is safe to dial.
func CheckSSRF(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "invalid_url"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "disallowed_scheme"
	}

	host := u.Hostname()
	if host == "" {
		return "invalid_url"
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return "loopback_address"
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Host may itself be a literal IP; net.LookupIP handles that case
		// too, so a resolution failure here means the name genuinely
		// doesn't resolve. Reject rather than dial blind.
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return "dns_resolution_failed"
		}
	}

	for _, ip := range ips {
		if reason := checkIP(ip); reason != "" {
			return reason
		}
	}
	return ""
}

func checkIP(ip net.IP) string {
	if ip.IsLoopback() {
		return "loopback_address"
	}
	if ip.IsUnspecified() {
		return "unspecified_address"
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return "link_local_address"
	}

	// IPv4-mapped IPv6 addresses (::ffff:10.0.0.1) must be checked against
	// the IPv4 private ranges too.
	if v4 := ip.To4(); v4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(v4) {
				return "private_address"
			}
		}
		return ""
	}

	for _, block := range privateV6Blocks {
		if block.Contains(ip) {
			return "private_address"
		}
	}
	return ""
}
