package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultPort is the control port the TV's app launcher listens on.
const DefaultPort = 6095

var (
	// ErrEmptyHost is returned when no device address is configured.
	ErrEmptyHost = errors.New("device address is empty")
	// ErrInvalidHost is returned for addresses that are neither an IP literal nor a host name.
	ErrInvalidHost = errors.New("device address is not an IP or host name")
	// ErrInvalidPort is returned for ports outside 1-65535.
	ErrInvalidPort = errors.New("device port out of range")
)

// Endpoint identifies the device's control port. It is immutable once built.
type Endpoint struct {
	host string
	port int
	ip   netip.Addr
}

// NewEndpoint validates host and port and returns the endpoint they name.
// Host may be an IPv4 literal, an IPv6 literal (optionally bracketed) or a
// host name. Nothing is resolved here; see Resolve.
func NewEndpoint(host string, port int) (Endpoint, error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return Endpoint{}, ErrEmptyHost
	}
	if port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	if ip, err := netip.ParseAddr(h); err == nil {
		return Endpoint{host: ip.String(), port: port, ip: ip.Unmap()}, nil
	}
	if !validHostname(h) {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return Endpoint{host: strings.ToLower(h), port: port}, nil
}

// Host returns the configured host without brackets.
func (e Endpoint) Host() string { return e.host }

// Port returns the control port.
func (e Endpoint) Port() int { return e.port }

// IP returns the device IP. It is only valid when the endpoint was built from
// an IP literal or passed through Resolve.
func (e Endpoint) IP() (netip.Addr, bool) { return e.ip, e.ip.IsValid() }

// String returns host:port, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool { return e.host == "" }

// Resolve pins a host name endpoint to its first resolved address so that
// name errors surface at startup instead of looking like a powered-off device
// inside the polling loop. IP literal endpoints are returned unchanged.
func Resolve(ctx context.Context, e Endpoint) (Endpoint, error) {
	if e.IsZero() {
		return Endpoint{}, ErrEmptyHost
	}
	if e.ip.IsValid() {
		return e, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", e.host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolve device %q: %w", e.host, err)
	}
	if len(addrs) == 0 {
		return Endpoint{}, fmt.Errorf("resolve device %q: no addresses", e.host)
	}

	// Prefer IPv4; TVs rarely listen on v6.
	ip := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is4() {
			ip = a.Unmap()
			break
		}
	}
	return Endpoint{host: ip.String(), port: e.port, ip: ip}, nil
}

// validHostname checks RFC 1123 host name syntax.
func validHostname(h string) bool {
	h = strings.TrimSuffix(h, ".")
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return false
			}
		}
	}
	// All-numeric names are malformed IPs, not host names.
	return strings.Trim(h, "0123456789.") != ""
}
