package liveness

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var errNoReply = errors.New("no echo reply")

// ICMPProber checks reachability with a single ICMP echo via pro-bing. Many
// TVs answer pings in standby, so this is only useful for sets that drop off
// the network entirely when powered down.
type ICMPProber struct {
	endpoint Endpoint
	timeout  time.Duration
}

// Compile-time interface guard.
var _ Prober = (*ICMPProber)(nil)

// NewICMPProber creates an ICMP prober for endpoint's host.
func NewICMPProber(endpoint Endpoint, timeout time.Duration) *ICMPProber {
	return &ICMPProber{
		endpoint: endpoint,
		timeout:  timeout,
	}
}

// Probe sends one echo request and waits for the reply until the timeout.
func (p *ICMPProber) Probe(ctx context.Context) Outcome {
	start := time.Now()
	out := Outcome{At: start}

	pinger, err := probing.NewPinger(p.endpoint.Host())
	if err != nil {
		out.Err = fmt.Errorf("create pinger: %w", err)
		out.Elapsed = time.Since(start)
		return out
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case runErr := <-done:
		out.Elapsed = time.Since(start)
		if runErr != nil {
			out.Err = runErr
			return out
		}
		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 {
			out.Err = errNoReply
			return out
		}
		out.Reachable = true
		return out

	case <-ctx.Done():
		pinger.Stop()
		out.Err = ctx.Err()
		out.Elapsed = time.Since(start)
		return out
	}
}
