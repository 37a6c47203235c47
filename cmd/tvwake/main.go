// Command tvwake watches a network TV and runs a command each time it is
// switched on.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/tvwake/internal/config"
	"github.com/HerbHall/tvwake/internal/detector"
	"github.com/HerbHall/tvwake/internal/liveness"
	"github.com/HerbHall/tvwake/internal/logging"
	"github.com/HerbHall/tvwake/internal/metrics"
	"github.com/HerbHall/tvwake/internal/notify"
	"github.com/HerbHall/tvwake/internal/server"
	"github.com/HerbHall/tvwake/internal/trigger"
	"github.com/HerbHall/tvwake/internal/version"
	"github.com/HerbHall/tvwake/internal/wake"
)

const mqttConnectTimeout = 10 * time.Second

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"ip":              "device.address",
	"port":            "device.port",
	"timeout":         "probe.timeout",
	"probe":           "probe.method",
	"mcast":           "wake.group",
	"iface":           "wake.interface",
	"wake-max-wait":   "wake.max_wait",
	"package":         "trigger.package",
	"command":         "trigger.command",
	"trigger-timeout": "trigger.timeout",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"listen":          "metrics.listen",
	"mqtt-broker":     "mqtt.broker",
	"mqtt-topic":      "mqtt.topic",
}

func newFlagSet(stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("tvwake", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false

	fs.String("ip", "", "device IP address or host name (required)")
	fs.Int("port", liveness.DefaultPort, "device control port")
	fs.Int("timeout", 3000, "probe timeout in milliseconds; also the minimum poll interval")
	fs.String("probe", config.ProbeTCP, "probe method: tcp or icmp")
	fs.String("mcast", "", "multicast group:port the device announces itself on, e.g. 239.255.255.250:1900")
	fs.String("iface", "", "interface name or address to join the multicast group on")
	fs.Duration("wake-max-wait", 30*time.Second, "longest wait for a wake datagram before re-probing (0 waits forever)")
	fs.String("package", "", "Android package to start when the device powers on")
	fs.String("command", "", "command to run when the device powers on; overrides --package")
	fs.Duration("trigger-timeout", 30*time.Second, "time limit for one command run")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "console", "log format: console or json")
	fs.String("listen", "", "address for the status and metrics HTTP server (disabled when empty)")
	fs.String("mqtt-broker", "", "MQTT broker URL for state announcements, e.g. tcp://192.168.1.2:1883")
	fs.String("mqtt-topic", "", "MQTT state topic (default tvwake/<ip>/state)")

	fs.String("config", "", "path to a YAML, TOML or JSON configuration file")
	fs.Bool("print-config", false, "print the effective configuration and exit")
	fs.Bool("version", false, "print version information and exit")
	return fs
}

// run is main without the process exit. It returns the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if ok, _ := fs.GetBool("version"); ok {
		fmt.Fprintln(stdout, version.Info())
		return 0
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		return fail(stderr, err)
	}

	if ok, _ := fs.GetBool("print-config"); ok {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fail(stderr, fmt.Errorf("encode config: %w", err))
		}
		return 0
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("tvwake stopped", zap.Error(err))
		return fail(stderr, err)
	}
	logger.Info("tvwake stopped")
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "tvwake: %v\n", err)
	return 1
}

// loadConfig layers flags over environment over config file over defaults.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return config.Load(v)
}

// serve wires the components and blocks until ctx is cancelled or a
// component fails. Everything that can be misconfigured is set up before the
// first probe.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ep, err := cfg.Endpoint()
	if err != nil {
		return err
	}
	ep, err = liveness.Resolve(ctx, ep)
	if err != nil {
		return err
	}

	timeout := cfg.Probe.TimeoutDuration()
	var prober liveness.Prober
	switch cfg.Probe.Method {
	case config.ProbeICMP:
		prober = liveness.NewICMPProber(ep, timeout)
	default:
		prober = liveness.NewTCPProber(ep, timeout)
	}

	argv := cfg.Trigger.Command
	if len(argv) == 0 {
		argv = trigger.StartAppArgv(ep.String(), cfg.Trigger.Package)
	}
	action, err := trigger.NewCommand(argv, cfg.Trigger.Timeout, trigger.ExecRunner{}, logger.Named("trigger"))
	if err != nil {
		return err
	}

	m := metrics.New()
	opts := []detector.Option{
		detector.WithRecorder(m),
		detector.WithProbeLogger(logger.Named("liveness")),
	}

	if cfg.Wake.Enabled() {
		// A host name is only known to be v4 or v6 after Resolve.
		if ip, ok := ep.IP(); ok {
			if err := config.CheckWakeFamily(cfg.Wake.Group, ip); err != nil {
				return err
			}
		}
		l, err := wake.Bind(cfg.Wake.Group, cfg.Wake.Interface, logger.Named("wake"))
		if err != nil {
			return err
		}
		defer l.Close()
		opts = append(opts, detector.WithWake(l))
	}

	if cfg.MQTT.Enabled() {
		pub, err := notify.NewMQTT(notify.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            1,
			ConnectTimeout: mqttConnectTimeout,
		}, logger.Named("notify"))
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, detector.WithPublisher(pub))
	}

	det, err := detector.New(detector.Config{
		Device:      ep,
		Timeout:     timeout,
		WakeMaxWait: cfg.Wake.MaxWait,
	}, prober, action, logger.Named("detector"), opts...)
	if err != nil {
		return err
	}

	logger.Info("tvwake starting",
		zap.String("version", version.Short()),
		zap.Stringer("device", ep),
		zap.String("probe", cfg.Probe.Method),
		zap.Duration("timeout", timeout),
		zap.Strings("command", action.Argv()),
		zap.Bool("wake_listener", cfg.Wake.Enabled()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return det.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		srv := server.New(cfg.Metrics.Listen, ep.String(), det, m.Handler(), logger.Named("server"))
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}
