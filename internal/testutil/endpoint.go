package testutil

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// SwitchableEndpoint is a loopback TCP port that can be switched between
// accepting connections (device on) and refusing them (device off) without
// changing its address.
type SwitchableEndpoint struct {
	t    testing.TB
	host string
	port int

	mu       sync.Mutex
	ln       net.Listener
	accepted atomic.Int64
}

// NewSwitchableEndpoint reserves a loopback port and leaves it in the given
// state. The listener is closed when the test completes.
func NewSwitchableEndpoint(t testing.TB, on bool) *SwitchableEndpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testutil.NewSwitchableEndpoint: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	e := &SwitchableEndpoint{t: t, host: "127.0.0.1", port: addr.Port}
	e.serve(ln)
	if !on {
		e.Off()
	}
	t.Cleanup(e.Off)
	return e
}

// Host returns the loopback host.
func (e *SwitchableEndpoint) Host() string { return e.host }

// Port returns the reserved port.
func (e *SwitchableEndpoint) Port() int { return e.port }

// Addr returns host:port.
func (e *SwitchableEndpoint) Addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// Accepted returns the number of handshakes completed so far.
func (e *SwitchableEndpoint) Accepted() int64 { return e.accepted.Load() }

// On starts accepting connections again. It retries briefly if the port is
// still held by the kernel from the previous listener.
func (e *SwitchableEndpoint) On() {
	e.t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln != nil {
		return
	}

	var lastErr error
	for i := 0; i < 50; i++ {
		ln, err := net.Listen("tcp", e.Addr())
		if err == nil {
			e.serveLocked(ln)
			return
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Errorf("testutil.SwitchableEndpoint.On: %v", lastErr)
}

// Off closes the listener so connection attempts are refused.
func (e *SwitchableEndpoint) Off() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return
	}
	_ = e.ln.Close()
	e.ln = nil
}

// IsOn reports whether the endpoint is accepting connections.
func (e *SwitchableEndpoint) IsOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ln != nil
}

func (e *SwitchableEndpoint) serve(ln net.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.serveLocked(ln)
}

func (e *SwitchableEndpoint) serveLocked(ln net.Listener) {
	e.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			e.accepted.Add(1)
			_ = conn.Close()
		}
	}()
}
