package ssrf

import (
	"net/netip"
	"strings"
)

var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.2.0/24"), // TEST-NET-1
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("224.0.0.0/3"),     // multicast and everything above
}

var privateV6 = []netip.Prefix{
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
}

// IsPrivateIP reports whether s is an address that webhooks must never reach.
// Anything that does not parse as an IP address is reported as private.
func IsPrivateIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return true
	}
	return isPrivateAddr(addr)
}

func isPrivateAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("")

	if addr.Is4() {
		return inAny(addr, privateV4)
	}
	if inAny(addr, privateV6) {
		return true
	}
	// ::ffff:a.b.c.d (mapped) and ::a.b.c.d (compatible) carry an IPv4 address
	// that the network stack may route to directly.
	if addr.Is4In6() {
		return inAny(addr.Unmap(), privateV4)
	}
	b := addr.As16()
	if isZero(b[:12]) {
		return inAny(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), privateV4)
	}
	return false
}

func inAny(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
