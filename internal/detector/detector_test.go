package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/HerbHall/tvwake/internal/liveness"
	"github.com/HerbHall/tvwake/internal/notify"
	"github.com/HerbHall/tvwake/internal/testutil"
	"github.com/HerbHall/tvwake/internal/trigger"
	"github.com/HerbHall/tvwake/internal/wake"
)

// seqProber replays a script of results, then keeps returning steady.
type seqProber struct {
	mu     sync.Mutex
	script []bool
	steady bool
	calls  int
}

func newSeqProber(steady bool, script ...bool) *seqProber {
	return &seqProber{script: script, steady: steady}
}

func (p *seqProber) Probe(context.Context) liveness.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	r := p.steady
	if len(p.script) > 0 {
		r = p.script[0]
		p.script = p.script[1:]
	}
	return liveness.Outcome{Reachable: r, At: time.Now()}
}

func (p *seqProber) setSteady(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steady = v
}

func (p *seqProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingAction remembers every event it was fired with.
type recordingAction struct {
	mu     sync.Mutex
	events []trigger.Event
	probes []int
	err    error
	prober *seqProber
}

func (a *recordingAction) Fire(_ context.Context, ev trigger.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	if a.prober != nil {
		a.probes = append(a.probes, a.prober.Calls())
	}
	return a.err
}

func (a *recordingAction) Events() []trigger.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]trigger.Event, len(a.events))
	copy(out, a.events)
	return out
}

// recordingPublisher remembers every transition published.
type recordingPublisher struct {
	mu  sync.Mutex
	trs []notify.Transition
}

func (p *recordingPublisher) Publish(_ context.Context, tr notify.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trs = append(p.trs, tr)
	return nil
}

func (p *recordingPublisher) Transitions() []notify.Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Transition, len(p.trs))
	copy(out, p.trs)
	return out
}

// blockingWake never delivers a datagram.
type blockingWake struct{}

func (blockingWake) RecvFromPeer(ctx context.Context, _ netip.Addr, _ []byte) (int, netip.AddrPort, error) {
	<-ctx.Done()
	return 0, netip.AddrPort{}, ctx.Err()
}

// brokenWake fails every read.
type brokenWake struct{}

func (brokenWake) RecvFromPeer(context.Context, netip.Addr, []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, errors.New("read datagram: use of closed network connection")
}

func mustEndpoint(t *testing.T, host string, port int) liveness.Endpoint {
	t.Helper()
	ep, err := liveness.NewEndpoint(host, port)
	require.NoError(t, err)
	return ep
}

// start runs d in the background and returns a stop function that cancels
// it and checks that Run returned nil.
func start(t *testing.T, d *Detector) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err, "Run should return nil on cancellation")
			case <-time.After(5 * time.Second):
				t.Error("Run did not return after cancellation")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestNew_Validation(t *testing.T) {
	ep := mustEndpoint(t, "192.168.1.50", 6095)
	action := &recordingAction{}
	prober := newSeqProber(false)

	tests := []struct {
		name    string
		cfg     Config
		prober  liveness.Prober
		action  trigger.Action
		opts    []Option
		wantErr error
	}{
		{name: "ok", cfg: Config{Device: ep, Timeout: time.Second}, prober: prober, action: action},
		{name: "zero timeout", cfg: Config{Device: ep}, prober: prober, action: action},
		{name: "no prober", cfg: Config{Device: ep, Timeout: time.Second}, action: action},
		{name: "no action", cfg: Config{Device: ep, Timeout: time.Second}, prober: prober},
		{
			name:    "wake needs ip",
			cfg:     Config{Device: mustEndpoint(t, "tv.local", 6095), Timeout: time.Second},
			prober:  prober,
			action:  action,
			opts:    []Option{WithWake(blockingWake{})},
			wantErr: ErrWakeNeedsIP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.cfg, tt.prober, tt.action, zap.NewNop(), tt.opts...)
			if tt.name == "ok" {
				require.NoError(t, err)
				assert.False(t, d.Status().Started)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRun_InitialState(t *testing.T) {
	tests := []struct {
		name      string
		reachable bool
		wantState State
	}{
		{name: "device on", reachable: true, wantState: StateAwaitingOff},
		{name: "device off", reachable: false, wantState: StateAwaitingOn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := &recordingAction{}
			pub := &recordingPublisher{}
			d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 5 * time.Millisecond},
				newSeqProber(tt.reachable), action, zap.NewNop(), WithPublisher(pub))
			require.NoError(t, err)

			stop := start(t, d)
			require.Eventually(t, func() bool { return d.Status().Started }, 2*time.Second, 5*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			stop()

			st := d.Status()
			assert.Equal(t, tt.wantState.String(), st.State)
			assert.Equal(t, tt.reachable, st.Reachable)
			assert.Zero(t, st.Transitions)
			assert.Empty(t, action.Events(), "the startup state must never fire the action")

			trs := pub.Transitions()
			require.Len(t, trs, 1)
			assert.Equal(t, tt.reachable, trs[0].Reachable)
			assert.Empty(t, trs[0].EventID)
		})
	}
}

func TestRun_CancelDuringFirstProbe(t *testing.T) {
	ep := mustEndpoint(t, "192.168.1.50", 6095)
	d, err := New(Config{Device: ep, Timeout: time.Second}, newSeqProber(false), &recordingAction{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.False(t, d.Status().Started)
}

func TestRun_FiresOncePerPowerCycle(t *testing.T) {
	// on, off, on, on, off, off, on, then on forever: two power-ons after
	// startup, with repeated readings in both states.
	prober := newSeqProber(true, true, false, true, true, false, false, true)
	action := &recordingAction{}
	pub := &recordingPublisher{}
	clock := testutil.NewClock(time.Second)

	ids := 0
	d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 2 * time.Millisecond},
		prober, action, testutil.Logger(),
		WithPublisher(pub),
		WithClock(clock.Now),
		withIDs(func() string { ids++; return fmt.Sprintf("event-%d", ids) }),
	)
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return d.Status().Triggers == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	events := action.Events()
	require.Len(t, events, 2, "exactly one firing per off-to-on transition")
	assert.Equal(t, "event-1", events[0].ID)
	assert.Equal(t, "event-2", events[1].ID)
	assert.Equal(t, "192.168.1.50:6095", events[0].Device)
	assert.True(t, events[1].DetectedAt.After(events[0].DetectedAt))

	st := d.Status()
	assert.Equal(t, 4, st.Transitions)
	assert.Equal(t, StateAwaitingOff.String(), st.State)
	assert.True(t, st.Reachable)
	assert.Equal(t, "event-2", st.LastEventID)

	var states []string
	for _, tr := range pub.Transitions() {
		states = append(states, tr.State)
	}
	assert.Equal(t, []string{"on", "off", "on", "off", "on"}, states)

	// The published power-on carries the same ID and time as the firing.
	on := pub.Transitions()[2]
	assert.Equal(t, "event-1", on.EventID)
	assert.Equal(t, events[0].DetectedAt, on.At)
}

func TestRun_TriggerFailureKeepsCycling(t *testing.T) {
	prober := newSeqProber(true, false, true, true, false, true)
	action := &recordingAction{err: &trigger.ExitError{Code: 7, Stderr: "connection refused"}}

	d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 2 * time.Millisecond},
		prober, action, zap.NewNop())
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return d.Status().Triggers == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	st := d.Status()
	assert.Equal(t, 2, st.TriggerFailures)
	assert.Equal(t, StateAwaitingOff.String(), st.State, "a failed action must not change the state")
	assert.Contains(t, st.LastTriggerError, "7")
	assert.Len(t, action.Events(), 2)
}

func TestRun_DetectsPowerOnOverTCP(t *testing.T) {
	dev := testutil.NewSwitchableEndpoint(t, false)
	ep := mustEndpoint(t, dev.Host(), dev.Port())
	timeout := 100 * time.Millisecond

	action := &recordingAction{}
	d, err := New(Config{Device: ep, Timeout: timeout}, liveness.NewTCPProber(ep, timeout), action, zap.NewNop())
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return d.Status().Started }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	assert.Empty(t, action.Events(), "nothing fires while the device is off")

	flipped := time.Now()
	dev.On()

	require.Eventually(t, func() bool { return len(action.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	fired := time.Now()
	assert.True(t, fired.After(flipped))
	assert.Less(t, fired.Sub(flipped), 2*timeout+200*time.Millisecond)

	// Staying on does not fire again.
	time.Sleep(3 * timeout)
	stop()
	assert.Len(t, action.Events(), 1)
	assert.Equal(t, StateAwaitingOff.String(), d.Status().State)
}

func TestRun_WakeHintFromDeviceOnly(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	listener := wake.NewListener(conn, zap.NewNop())
	t.Cleanup(func() { listener.Close() })
	dst := conn.LocalAddr().(*net.UDPAddr)

	other := bindLoopback(t, "127.0.0.2")
	device := bindLoopback(t, "127.0.0.3")

	prober := newSeqProber(false)
	action := &recordingAction{prober: prober}
	d, err := New(Config{Device: mustEndpoint(t, "127.0.0.3", 6095), Timeout: 50 * time.Millisecond},
		prober, action, zap.NewNop(), WithWake(listener))
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return d.Status().Started }, 2*time.Second, 5*time.Millisecond)
	// Startup probe plus the entry probe of the wait.
	require.Eventually(t, func() bool { return prober.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err = other.WriteToUDP([]byte("NOTIFY * HTTP/1.1"), dst)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, prober.Calls(), "a datagram from another host must not cause a probe")
	assert.Equal(t, int64(1), listener.Ignored())

	prober.setSteady(true)
	_, err = device.WriteToUDP([]byte("NOTIFY * HTTP/1.1"), dst)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(action.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	action.mu.Lock()
	defer action.mu.Unlock()
	assert.Equal(t, []int{3}, action.probes, "the device datagram causes exactly one re-probe")
}

func TestRun_WakeMaxWaitReprobes(t *testing.T) {
	prober := newSeqProber(false)
	d, err := New(Config{
		Device:      mustEndpoint(t, "192.168.1.50", 6095),
		Timeout:     5 * time.Millisecond,
		WakeMaxWait: 20 * time.Millisecond,
	}, prober, &recordingAction{}, zap.NewNop(), WithWake(blockingWake{}))
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return prober.Calls() >= 5 }, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.True(t, d.Status().WakeListener)
}

func TestRun_WakeFailureFallsBackToPolling(t *testing.T) {
	prober := newSeqProber(true, false, false, false)
	action := &recordingAction{}
	d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 5 * time.Millisecond},
		prober, action, zap.NewNop(), WithWake(brokenWake{}))
	require.NoError(t, err)
	assert.True(t, d.Status().WakeListener)

	stop := start(t, d)
	require.Eventually(t, func() bool { return len(action.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.False(t, d.Status().WakeListener)
}

func bindLoopback(t *testing.T, ip string) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(ip)})
	if err != nil {
		t.Skipf("cannot bind %s: %v", ip, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRun_StatusTracksPhaseWhileRunning(t *testing.T) {
	tests := []struct {
		name          string
		prober        *seqProber
		wantState     State
		wantReachable bool
	}{
		// off at startup, then on for good: one power-on, then waiting for off.
		{name: "after power-on", prober: newSeqProber(true, false), wantState: StateAwaitingOff, wantReachable: true},
		// on at startup, then off for good: waiting for the next power-on.
		{name: "after power-off", prober: newSeqProber(false, true), wantState: StateAwaitingOn, wantReachable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 2 * time.Millisecond},
				tt.prober, &recordingAction{}, zap.NewNop())
			require.NoError(t, err)

			start(t, d)
			require.Eventually(t, func() bool { return d.Status().Transitions == 1 }, 2*time.Second, 5*time.Millisecond)
			time.Sleep(20 * time.Millisecond)

			// Read while the detector is still polling in the new phase.
			st := d.Status()
			assert.Equal(t, tt.wantState.String(), st.State)
			assert.Equal(t, tt.wantReachable, st.Reachable)
			assert.Equal(t, 1, st.Transitions)
		})
	}
}

func TestRun_StartupReachableInStatus(t *testing.T) {
	d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 2 * time.Millisecond},
		newSeqProber(true), &recordingAction{}, zap.NewNop())
	require.NoError(t, err)

	start(t, d)
	require.Eventually(t, func() bool { return d.Status().Started }, 2*time.Second, time.Millisecond)

	st := d.Status()
	assert.True(t, st.Reachable, "a device on at startup must be reported reachable before any transition")
	assert.Equal(t, StateAwaitingOff.String(), st.State)
}

func TestRun_ProbeLinesUseProbeLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	root := zap.New(core)

	d, err := New(Config{Device: mustEndpoint(t, "192.168.1.50", 6095), Timeout: 2 * time.Millisecond},
		newSeqProber(false), &recordingAction{}, root.Named("detector"),
		WithProbeLogger(root.Named("liveness")))
	require.NoError(t, err)

	stop := start(t, d)
	require.Eventually(t, func() bool { return logs.FilterMessage("probe result").Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	for _, e := range logs.FilterMessage("probe result").All() {
		assert.Equal(t, "liveness", e.LoggerName)
	}
	first := logs.FilterMessage("first state").All()
	require.Len(t, first, 1)
	assert.Equal(t, "detector", first[0].LoggerName)
}
