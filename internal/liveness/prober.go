// Package liveness decides whether the device is reachable. A probe is a
// bounded-time connection attempt; every failure mode collapses to
// "unreachable" while the underlying error is kept for diagnostics.
package liveness

import (
	"context"
	"errors"
	"net"
	"time"
)

// ErrProbeDeadline marks a connect that completed, but not strictly before
// the probe timeout.
var ErrProbeDeadline = errors.New("connect did not complete before timeout")

// Outcome is the classification of a single probe.
type Outcome struct {
	Reachable bool
	// Err is the reason the device was classified unreachable. It is never
	// surfaced as a failure, only logged and counted.
	Err     error
	Elapsed time.Duration
	At      time.Time
}

// Prober performs one reachability check. Implementations must not block
// longer than their configured timeout and must never panic.
type Prober interface {
	Probe(ctx context.Context) Outcome
}

// TCPProber checks reachability by completing a TCP handshake with the
// endpoint. No bytes are exchanged; the connection is closed immediately.
type TCPProber struct {
	endpoint Endpoint
	timeout  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

// Compile-time interface guard.
var _ Prober = (*TCPProber)(nil)

// NewTCPProber creates a TCP prober for endpoint with the given timeout.
func NewTCPProber(endpoint Endpoint, timeout time.Duration) *TCPProber {
	return &TCPProber{
		endpoint: endpoint,
		timeout:  timeout,
		dial:     (&net.Dialer{}).DialContext,
	}
}

// Probe dials the endpoint and reports whether the handshake finished
// strictly within the timeout.
func (p *TCPProber) Probe(ctx context.Context) Outcome {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", p.endpoint.String())
	elapsed := time.Since(start)
	out := Outcome{Elapsed: elapsed, At: start}
	if err != nil {
		out.Err = err
		return out
	}
	_ = conn.Close()

	if elapsed >= p.timeout {
		out.Err = ErrProbeDeadline
		return out
	}
	out.Reachable = true
	return out
}
