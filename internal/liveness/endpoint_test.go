package liveness

import (
	"context"
	"errors"
	"testing"
)

func TestNewEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		wantErr  error
		wantAddr string
		wantIP   bool
	}{
		{name: "ipv4", host: "192.168.1.10", port: 6095, wantAddr: "192.168.1.10:6095", wantIP: true},
		{name: "ipv4 with spaces", host: "  192.168.1.10 ", port: 6095, wantAddr: "192.168.1.10:6095", wantIP: true},
		{name: "ipv6", host: "fe80::1", port: 6095, wantAddr: "[fe80::1]:6095", wantIP: true},
		{name: "bracketed ipv6", host: "[2001:db8::10]", port: 80, wantAddr: "[2001:db8::10]:80", wantIP: true},
		{name: "host name", host: "Living-Room-TV.local", port: 6095, wantAddr: "living-room-tv.local:6095"},
		{name: "empty", host: "", port: 6095, wantErr: ErrEmptyHost},
		{name: "whitespace", host: "   ", port: 6095, wantErr: ErrEmptyHost},
		{name: "octet overflow", host: "192.168.1.300", port: 6095, wantErr: ErrInvalidHost},
		{name: "too few octets", host: "192.168.1", port: 6095, wantErr: ErrInvalidHost},
		{name: "host with port", host: "192.168.1.10:6095", port: 6095, wantErr: ErrInvalidHost},
		{name: "url", host: "http://192.168.1.10", port: 6095, wantErr: ErrInvalidHost},
		{name: "leading hyphen", host: "-tv.local", port: 6095, wantErr: ErrInvalidHost},
		{name: "port zero", host: "192.168.1.10", port: 0, wantErr: ErrInvalidPort},
		{name: "port too large", host: "192.168.1.10", port: 70000, wantErr: ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEndpoint(tt.host, tt.port)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewEndpoint(%q, %d) error = %v, want %v", tt.host, tt.port, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEndpoint(%q, %d) unexpected error: %v", tt.host, tt.port, err)
			}
			if got := e.String(); got != tt.wantAddr {
				t.Errorf("String() = %q, want %q", got, tt.wantAddr)
			}
			if _, ok := e.IP(); ok != tt.wantIP {
				t.Errorf("IP() ok = %v, want %v", ok, tt.wantIP)
			}
		})
	}
}

func TestResolve_IPLiteralUnchanged(t *testing.T) {
	e, err := NewEndpoint("10.0.0.72", 6095)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	got, err := Resolve(context.Background(), e)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != e {
		t.Errorf("Resolve() = %v, want %v", got, e)
	}
}

func TestResolve_ZeroEndpoint(t *testing.T) {
	if _, err := Resolve(context.Background(), Endpoint{}); !errors.Is(err, ErrEmptyHost) {
		t.Errorf("Resolve(zero) error = %v, want %v", err, ErrEmptyHost)
	}
}

func TestResolve_Localhost(t *testing.T) {
	e, err := NewEndpoint("localhost", 6095)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	got, err := Resolve(context.Background(), e)
	if err != nil {
		t.Skipf("localhost does not resolve here: %v", err)
	}
	ip, ok := got.IP()
	if !ok || !ip.IsLoopback() {
		t.Errorf("Resolve(localhost) IP = %v (ok=%v), want loopback", ip, ok)
	}
	if got.Port() != 6095 {
		t.Errorf("Port() = %d, want 6095", got.Port())
	}
}

func TestResolve_Cancelled(t *testing.T) {
	e, err := NewEndpoint("tv.invalid", 6095)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Resolve(ctx, e); err == nil {
		t.Error("Resolve() with cancelled context should fail")
	}
}
