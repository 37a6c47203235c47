package detector

import (
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/tvwake/internal/liveness"
	"github.com/HerbHall/tvwake/internal/notify"
)

// Option configures a Detector.
type Option func(*Detector)

// WithWake makes the detector wait for datagrams from the device between
// probes instead of polling while the device is off.
func WithWake(conn WakeConn) Option {
	return func(d *Detector) { d.wake = conn }
}

// WithRecorder sets the activity recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Detector) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithPublisher sets where state changes are announced.
func WithPublisher(p notify.Publisher) Option {
	return func(d *Detector) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithClock replaces the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithProbeLogger sets the logger for per-probe Debug lines, usually a
// "liveness" named logger.
func WithProbeLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.probeLogger = l }
}

// withIDs replaces the event ID generator.
func withIDs(next func() string) Option {
	return func(d *Detector) { d.newID = next }
}

type nopRecorder struct{}

func (nopRecorder) ObserveProbe(liveness.Outcome) {}
func (nopRecorder) SetReachable(bool)             {}
func (nopRecorder) ObserveTransition(bool)        {}
func (nopRecorder) ObserveTrigger(error)          {}
func (nopRecorder) ObserveWakeHint()              {}
