//go:build !windows

package wake

import "net/netip"

// bindAddr binds to the group address itself so the kernel only delivers
// datagrams sent to the group, not unicast traffic to the same port.
func bindAddr(group netip.AddrPort) netip.AddrPort {
	return group
}
