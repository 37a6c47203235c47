package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Recorder observes every probe the Poller runs.
type Recorder interface {
	ObserveProbe(Outcome)
}

// Poller wraps a Prober with the polling cadence: consecutive probes start
// no closer together than the timeout, however fast a probe fails.
type Poller struct {
	prober   Prober
	timeout  time.Duration
	logger   *zap.Logger
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a Poller. recorder may be nil.
func NewPoller(prober Prober, timeout time.Duration, logger *zap.Logger, recorder Recorder) *Poller {
	return &Poller{
		prober:   prober,
		timeout:  timeout,
		logger:   logger,
		recorder: recorder,
		sleep:    sleepCtx,
	}
}

// Timeout returns the probe timeout, which is also the poll interval floor.
func (p *Poller) Timeout() time.Duration { return p.timeout }

// Probe runs a single probe and returns its outcome.
func (p *Poller) Probe(ctx context.Context) Outcome {
	out := p.prober.Probe(ctx)
	p.logger.Debug("probe result",
		zap.Bool("reachable", out.Reachable),
		zap.Duration("elapsed", out.Elapsed),
		zap.NamedError("cause", out.Err),
	)
	if p.recorder != nil {
		p.recorder.ObserveProbe(out)
	}
	return out
}

// WaitFor blocks until a probe reports expected and returns that probe's
// outcome. There is no overall deadline; cancel ctx to stop waiting, in which
// case ctx.Err() is returned.
func (p *Poller) WaitFor(ctx context.Context, expected bool) (Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		kick := time.Now()
		out := p.Probe(ctx)
		// A probe cut short by cancellation says nothing about the device.
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		if out.Reachable == expected {
			return out, nil
		}

		if rest := p.timeout - time.Since(kick); rest > 0 {
			if err := p.sleep(ctx, rest); err != nil {
				return Outcome{}, err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
