package rudp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ParseAddress parses "ip:port". Host names are not accepted; see
// ResolveAddress.
func ParseAddress(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrAddressFormat, s)
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}

// ResolveAddress turns a host name or IP literal and a port into an
// address, preferring IPv4 results.
func ResolveAddress(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if host == "" || port < 0 || port > 0xFFFF {
		return netip.AddrPort{}, fmt.Errorf("%w: %q port %d", ErrAddressFormat, host, port)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: resolve %q: %v", ErrAddressFormat, host, err)
	}
	chosen := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			chosen = ip
			break
		}
	}
	return netip.AddrPortFrom(chosen.Unmap(), uint16(port)), nil
}

// splitHostPort accepts "host:port" where host may be a name.
func splitHostPort(ctx context.Context, s string) (netip.AddrPort, error) {
	if addr, err := ParseAddress(s); err == nil {
		return addr, nil
	}
	host, portText, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrAddressFormat, s)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrAddressFormat, s)
	}
	return ResolveAddress(ctx, host, port)
}
