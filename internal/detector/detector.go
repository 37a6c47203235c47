// Package detector runs the power-state machine: it alternates between
// waiting for the device to go away and waiting for it to come back, and
// fires the trigger action exactly once on every return.
package detector

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/tvwake/internal/liveness"
	"github.com/HerbHall/tvwake/internal/notify"
	"github.com/HerbHall/tvwake/internal/trigger"
)

// hintBufferSize fits any UDP datagram, so no platform reports truncation.
const hintBufferSize = 65535

// publishTimeout bounds each notification so a stuck broker cannot stall
// detection.
const publishTimeout = 5 * time.Second

// ErrWakeNeedsIP is returned when a wake source is configured for a device
// endpoint that has not been resolved to an IP.
var ErrWakeNeedsIP = errors.New("wake listener needs the device IP")

// WakeConn delivers datagrams from one peer; *wake.Listener implements it.
type WakeConn interface {
	RecvFromPeer(ctx context.Context, expect netip.Addr, buf []byte) (int, netip.AddrPort, error)
}

// Recorder receives detector activity; *metrics.Metrics implements it.
type Recorder interface {
	liveness.Recorder
	SetReachable(reachable bool)
	ObserveTransition(reachable bool)
	ObserveTrigger(err error)
	ObserveWakeHint()
}

// Config holds the detector's tunables.
type Config struct {
	// Device is the probed endpoint. With a wake source it must carry an IP.
	Device liveness.Endpoint
	// Timeout bounds each probe and is the minimum poll interval.
	Timeout time.Duration
	// WakeMaxWait bounds one wait for a wake datagram before the device is
	// re-probed anyway. Zero waits indefinitely.
	WakeMaxWait time.Duration
}

// Detector is the power-on detection loop. Its liveness state is owned by
// the goroutine running Run; other goroutines only see Status copies.
type Detector struct {
	cfg         Config
	poller      *liveness.Poller
	action      trigger.Action
	logger      *zap.Logger
	probeLogger *zap.Logger // per-probe lines; defaults to logger
	recorder    Recorder
	publisher   notify.Publisher
	now         func() time.Time
	newID       func() string

	wake     WakeConn
	wakePeer netip.Addr
	hintBuf  []byte
	limiter  *rate.Limiter

	state  State
	alive  bool
	status Status
	latest atomic.Pointer[Status]
}

// New builds a Detector. prober performs the individual checks and action is
// fired on each power-on.
func New(cfg Config, prober liveness.Prober, action trigger.Action, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("probe timeout must be positive, got %s", cfg.Timeout)
	}
	if prober == nil || action == nil {
		return nil, errors.New("detector needs a prober and an action")
	}

	d := &Detector{
		cfg:       cfg,
		action:    action,
		logger:    logger,
		recorder:  nopRecorder{},
		publisher: notify.Nop{},
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		limiter:   rate.NewLimiter(rate.Every(cfg.Timeout), 1),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.wake != nil {
		ip, ok := cfg.Device.IP()
		if !ok {
			return nil, ErrWakeNeedsIP
		}
		d.wakePeer = ip
		d.hintBuf = make([]byte, hintBufferSize)
	}

	if d.probeLogger == nil {
		d.probeLogger = logger
	}
	d.poller = liveness.NewPoller(prober, cfg.Timeout, d.probeLogger, d.recorder)
	d.status = Status{WakeListener: d.wake != nil}
	d.latest.Store(&Status{WakeListener: d.wake != nil})
	return d, nil
}

// Status returns the latest published status.
func (d *Detector) Status() Status {
	return *d.latest.Load()
}

// Run seeds the liveness state with one probe and then loops until ctx is
// cancelled, which is the only way it returns. Cancellation is not an error.
func (d *Detector) Run(ctx context.Context) error {
	first := d.poller.Probe(ctx)
	if ctx.Err() != nil {
		return nil
	}
	d.alive = first.Reachable
	d.state = initialState(d.alive)
	d.recorder.SetReachable(d.alive)

	d.status.Started = true
	d.status.Reachable = d.alive
	d.status.Since = d.now()
	d.publishStatus()
	d.notify(ctx, notify.Transition{State: stateName(d.alive), Reachable: d.alive, At: d.status.Since})

	d.logger.Info("first state",
		zap.Bool("reachable", d.alive),
		zap.Stringer("state", d.state),
		zap.String("device", d.cfg.Device.String()),
		zap.Bool("wake_listener", d.wake != nil),
	)

	for {
		var err error
		switch d.state {
		case StateAwaitingOff:
			err = d.awaitOff(ctx)
		case StateAwaitingOn:
			err = d.awaitOn(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("detector stopped", zap.Stringer("state", d.state))
				return nil
			}
			return err
		}
	}
}

func (d *Detector) awaitOff(ctx context.Context) error {
	if _, err := d.poller.WaitFor(ctx, false); err != nil {
		return err
	}
	d.state = StateAwaitingOn
	d.transition(ctx, false, "")
	return nil
}

func (d *Detector) awaitOn(ctx context.Context) error {
	var err error
	if d.wake != nil {
		err = d.waitOnWithHints(ctx)
	} else {
		_, err = d.poller.WaitFor(ctx, true)
	}
	if err != nil {
		return err
	}

	d.state = StateAwaitingOff
	eventID := d.newID()
	d.transition(ctx, true, eventID)
	d.fire(ctx, eventID)
	return nil
}

// waitOnWithHints probes once, then re-probes only when the device sends a
// datagram or the maximum wait passes. A broken socket drops back to plain
// polling for good.
func (d *Detector) waitOnWithHints(ctx context.Context) error {
	for {
		out := d.poller.Probe(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.Reachable {
			return nil
		}

		if err := d.waitHint(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("wake listener failed, falling back to polling", zap.Error(err))
			d.wake = nil
			d.status.WakeListener = false
			d.publishStatus()
			_, err := d.poller.WaitFor(ctx, true)
			return err
		}

		// Bursts of beacons must not turn into a probe flood.
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

// waitHint blocks until the device sends a datagram. Reaching WakeMaxWait is
// not an error; the caller simply re-probes.
func (d *Detector) waitHint(ctx context.Context) error {
	rctx := ctx
	if d.cfg.WakeMaxWait > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.cfg.WakeMaxWait)
		defer cancel()
	}

	n, from, err := d.wake.RecvFromPeer(rctx, d.wakePeer, d.hintBuf)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			d.logger.Debug("no wake hint within max wait, re-probing",
				zap.Duration("max_wait", d.cfg.WakeMaxWait),
			)
			return nil
		}
		return err
	}

	d.recorder.ObserveWakeHint()
	d.logger.Debug("wake hint received",
		zap.Stringer("from", from),
		zap.Int("bytes", n),
	)
	return nil
}

// transition records a change of the liveness state. d.state must already
// name the phase being entered.
func (d *Detector) transition(ctx context.Context, alive bool, eventID string) {
	from := d.alive
	d.alive = alive
	at := d.now()

	d.logger.Info("state changed",
		zap.Bool("from", from),
		zap.Bool("to", alive),
	)
	d.recorder.ObserveTransition(alive)

	d.status.Reachable = alive
	d.status.Since = at
	d.status.Transitions++
	d.publishStatus()

	d.notify(ctx, notify.Transition{
		State:     stateName(alive),
		Reachable: alive,
		At:        at,
		EventID:   eventID,
	})
}

// fire runs the action once. Its failure is recorded and otherwise ignored.
func (d *Detector) fire(ctx context.Context, eventID string) {
	ev := trigger.Event{
		ID:         eventID,
		Device:     d.cfg.Device.String(),
		DetectedAt: d.status.Since,
	}

	err := d.action.Fire(ctx, ev)
	d.recorder.ObserveTrigger(err)

	d.status.Triggers++
	d.status.LastEventID = eventID
	if err != nil {
		d.status.TriggerFailures++
		d.status.LastTriggerError = err.Error()
		d.logger.Warn("power-on action failed, waiting for next power cycle",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	} else {
		d.status.LastTriggerError = ""
	}
	d.publishStatus()
}

func (d *Detector) notify(ctx context.Context, tr notify.Transition) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.publisher.Publish(pctx, tr); err != nil && ctx.Err() == nil {
		d.logger.Warn("publish transition failed",
			zap.String("state", tr.State),
			zap.Error(err),
		)
	}
}

func (d *Detector) publishStatus() {
	d.status.State = d.state.String()
	d.latest.Store(copyStatus(d.status))
}

func copyStatus(s Status) *Status { return &s }

func stateName(alive bool) string {
	if alive {
		return notify.StateOn
	}
	return notify.StateOff
}
