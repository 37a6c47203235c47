//go:build windows

package wake

import "net/netip"

// bindAddr binds to the wildcard address. Windows rejects binding a socket
// to a multicast address.
func bindAddr(group netip.AddrPort) netip.AddrPort {
	if group.Addr().Is4() {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), group.Port())
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), group.Port())
}
