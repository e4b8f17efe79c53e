package ssrf

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Reason explains why a URL was rejected.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonInvalidURL  Reason = "invalid_url"
	ReasonPrivateIP   Reason = "private_ip"
	ReasonDNSNotFound Reason = "dns_notfound"
	ReasonDNSError    Reason = "dns_error"
)

// Transient reports whether the same URL may pass a later check.
func (r Reason) Transient() bool {
	return r == ReasonDNSError
}

// Verdict is the outcome of Guard.Check. When Safe, Addr is the only address a
// caller may connect to for this check.
type Verdict struct {
	Safe   bool
	Addr   netip.Addr
	Family int // 4 or 6
	Reason Reason
}

func reject(r Reason) Verdict { return Verdict{Reason: r} }

func accept(addr netip.Addr) Verdict {
	addr = addr.Unmap()
	family := 6
	if addr.Is4() {
		family = 4
	}
	return Verdict{Safe: true, Addr: addr, Family: family}
}

// Resolver looks up every A and AAAA record for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates that a URL points at a public HTTPS origin.
type Guard struct {
	resolver Resolver
}

// NewGuard returns a Guard using r, or net.DefaultResolver when r is nil.
func NewGuard(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

// Check parses raw, requires https without credentials, and resolves the host.
// Every resolved address must be public; the first one is returned for pinning.
func (g *Guard) Check(ctx context.Context, raw string) Verdict {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return reject(ReasonInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return reject(ReasonInvalidURL)
	}

	if addr, ok := literalAddr(host); ok {
		if isPrivateAddr(addr) {
			return reject(ReasonPrivateIP)
		}
		return accept(addr)
	}
	if looksNumeric(host) {
		// 127.1, 1.2.3 and friends: some resolvers expand these to loopback.
		return reject(ReasonPrivateIP)
	}

	answers, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return reject(ReasonDNSNotFound)
		}
		return reject(ReasonDNSError)
	}
	if len(answers) == 0 {
		return reject(ReasonDNSError)
	}

	addrs := make([]netip.Addr, 0, len(answers))
	for _, a := range answers {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok || isPrivateAddr(addr) {
			return reject(ReasonPrivateIP)
		}
		addrs = append(addrs, addr)
	}
	return accept(addrs[0])
}

func literalAddr(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func looksNumeric(host string) bool {
	return strings.Trim(host, "0123456789.") == ""
}
