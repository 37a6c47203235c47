// Package wake listens for multicast datagrams sent by the device as it
// powers up. A datagram is only a hint: the caller re-probes the device
// rather than trusting it, since beacons often precede the control port.
package wake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxDatagram is large enough for any UDP payload the listener may see.
const MaxDatagram = 65535

var (
	// ErrNotMulticast is returned when the group address is not multicast.
	ErrNotMulticast = errors.New("not a multicast address")
	// ErrNoPort is returned when the group has no port.
	ErrNoPort = errors.New("multicast group needs a port")
	// ErrFamilyMismatch is returned when the interface address and the group
	// are different IP families.
	ErrFamilyMismatch = errors.New("interface address family does not match group")
)

// BindError reports why the listener could not be set up. Every Bind
// failure is a *BindError.
type BindError struct {
	Op    string
	Group string
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("wake listener %s: %s: %v", e.Group, e.Op, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ParseGroup parses "group:port", e.g. "239.255.255.250:1900" or
// "[ff02::c]:1900".
func ParseGroup(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	if !ap.Addr().IsMulticast() {
		return netip.AddrPort{}, fmt.Errorf("%s: %w", ap.Addr(), ErrNotMulticast)
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, ErrNoPort
	}
	return ap, nil
}

// Listener receives datagrams sent to a multicast group.
type Listener struct {
	conn    *net.UDPConn
	group   netip.AddrPort
	joined  []string
	logger  *zap.Logger
	ignored atomic.Int64
}

// Bind joins group on iface, or on every multicast-capable interface when
// iface is empty. iface may be an interface name or one of its addresses.
// Address and port reuse are enabled so several listeners can share the
// group, and multicast loopback is disabled.
func Bind(group, iface string, logger *zap.Logger) (*Listener, error) {
	ap, err := ParseGroup(group)
	if err != nil {
		return nil, &BindError{Op: "parse group", Group: group, Err: err}
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = resolveInterface(iface, ap.Addr().Is4())
		if err != nil {
			return nil, &BindError{Op: "resolve interface", Group: group, Err: err}
		}
	}

	network := "udp4"
	if ap.Addr().Is6() {
		network = "udp6"
	}
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), network, bindAddr(ap).String())
	if err != nil {
		return nil, &BindError{Op: "listen", Group: group, Err: err}
	}
	conn := pc.(*net.UDPConn)

	joined, err := join(conn, ap.Addr(), ifi)
	if err != nil {
		_ = conn.Close()
		return nil, &BindError{Op: "join", Group: group, Err: err}
	}

	l := NewListener(conn, logger)
	l.group = ap
	l.joined = joined
	logger.Info("wake listener bound",
		zap.Stringer("group", ap),
		zap.Stringer("local", conn.LocalAddr()),
		zap.Strings("interfaces", joined),
	)
	return l, nil
}

// NewListener wraps a socket that is already bound and, if needed, joined.
// Group is left unset.
func NewListener(conn *net.UDPConn, logger *zap.Logger) *Listener {
	return &Listener{
		conn:   conn,
		logger: logger,
	}
}

// Group returns the multicast group, or the zero value for a wrapped socket.
func (l *Listener) Group() netip.AddrPort { return l.group }

// Interfaces returns the names of the interfaces that joined the group.
// "default" means the system picked the interface.
func (l *Listener) Interfaces() []string {
	out := make([]string, len(l.joined))
	copy(out, l.joined)
	return out
}

// Ignored returns how many datagrams from other senders were discarded.
func (l *Listener) Ignored() int64 { return l.ignored.Load() }

// Close releases the socket; a pending RecvFromPeer returns an error.
func (l *Listener) Close() error { return l.conn.Close() }

// RecvFromPeer blocks until a datagram from expect arrives and returns its
// length and sender. Datagrams from anyone else are dropped and the wait
// continues. It returns ctx.Err() once ctx is done.
func (l *Listener) RecvFromPeer(ctx context.Context, expect netip.Addr, buf []byte) (int, netip.AddrPort, error) {
	expect = expect.WithZone("").Unmap()

	if err := l.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("reset read deadline: %w", err)
	}

	// Unblock the read when ctx ends.
	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			_ = l.conn.SetReadDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-watched
	}()

	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, netip.AddrPort{}, ctxErr
			}
			return 0, netip.AddrPort{}, fmt.Errorf("read datagram: %w", err)
		}

		if from.Addr().WithZone("").Unmap() == expect {
			return n, from, nil
		}
		l.ignored.Add(1)
		l.logger.Debug("ignoring datagram from other sender",
			zap.Stringer("from", from),
			zap.Int("bytes", n),
		)
	}
}

// join adds the socket to the group on ifi, or on every up multicast
// interface when ifi is nil. It returns the interfaces joined.
func join(conn *net.UDPConn, group netip.Addr, ifi *net.Interface) ([]string, error) {
	gaddr := &net.UDPAddr{IP: group.AsSlice()}

	var joinOn func(*net.Interface) error
	if group.Is4() {
		p := ipv4.NewPacketConn(conn)
		if err := p.SetMulticastLoopback(false); err != nil {
			return nil, fmt.Errorf("disable multicast loopback: %w", err)
		}
		joinOn = func(i *net.Interface) error { return p.JoinGroup(i, gaddr) }
	} else {
		p := ipv6.NewPacketConn(conn)
		if err := p.SetMulticastLoopback(false); err != nil {
			return nil, fmt.Errorf("disable multicast loopback: %w", err)
		}
		joinOn = func(i *net.Interface) error { return p.JoinGroup(i, gaddr) }
	}

	if ifi != nil {
		if err := joinOn(ifi); err != nil {
			return nil, fmt.Errorf("join on %s: %w", ifi.Name, err)
		}
		return []string{ifi.Name}, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var joined []string
	for i := range ifaces {
		cand := &ifaces[i]
		if cand.Flags&net.FlagUp == 0 || cand.Flags&net.FlagMulticast == 0 {
			continue
		}
		if joinOn(cand) == nil {
			joined = append(joined, cand.Name)
		}
	}
	if len(joined) > 0 {
		return joined, nil
	}

	if err := joinOn(nil); err != nil {
		return nil, fmt.Errorf("join on default interface: %w", err)
	}
	return []string{"default"}, nil
}

// resolveInterface finds an interface by name, or by one of its addresses.
func resolveInterface(iface string, want4 bool) (*net.Interface, error) {
	if ip, err := netip.ParseAddr(iface); err == nil {
		ip = ip.Unmap()
		if ip.Is4() != want4 {
			return nil, fmt.Errorf("%s: %w", iface, ErrFamilyMismatch)
		}
		return interfaceByAddr(ip)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", iface, err)
	}
	return ifi, nil
}

func interfaceByAddr(ip netip.Addr) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			prefix, err := netip.ParsePrefix(a.String())
			if err != nil {
				continue
			}
			if prefix.Addr().Unmap() == ip {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", ip)
}
