// Package config loads tvwake's settings through viper and validates them
// before anything touches the network.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/tvwake/internal/liveness"
	"github.com/HerbHall/tvwake/internal/notify"
	"github.com/HerbHall/tvwake/internal/wake"
)

// EnvPrefix is prepended to every environment override, e.g.
// TVWAKE_DEVICE_ADDRESS.
const EnvPrefix = "TVWAKE"

// Probe methods.
const (
	ProbeTCP  = "tcp"
	ProbeICMP = "icmp"
)

// Config is the effective configuration.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device" yaml:"device"`
	Probe   ProbeConfig   `mapstructure:"probe" yaml:"probe"`
	Wake    WakeConfig    `mapstructure:"wake" yaml:"wake"`
	Trigger TriggerConfig `mapstructure:"trigger" yaml:"trigger"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	MQTT    MQTTConfig    `mapstructure:"mqtt" yaml:"mqtt"`
}

// DeviceConfig identifies the monitored device.
type DeviceConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// ProbeConfig controls liveness probing. Timeout is in milliseconds.
type ProbeConfig struct {
	Timeout int    `mapstructure:"timeout" yaml:"timeout"`
	Method  string `mapstructure:"method" yaml:"method"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (p ProbeConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

// WakeConfig enables the multicast wake listener when Group is set.
type WakeConfig struct {
	Group     string        `mapstructure:"group" yaml:"group"`
	Interface string        `mapstructure:"interface" yaml:"interface"`
	MaxWait   time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
}

// Enabled reports whether a wake group is configured.
func (w WakeConfig) Enabled() bool { return w.Group != "" }

// TriggerConfig selects the command run on power-on.
type TriggerConfig struct {
	Package string        `mapstructure:"package" yaml:"package"`
	Command []string      `mapstructure:"command" yaml:"command,flow"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig selects level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig enables the status server when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// MQTTConfig enables transition publication when Broker is set.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.address", "")
	v.SetDefault("device.port", liveness.DefaultPort)
	v.SetDefault("probe.timeout", 3000)
	v.SetDefault("probe.method", ProbeTCP)
	v.SetDefault("wake.group", "")
	v.SetDefault("wake.interface", "")
	v.SetDefault("wake.max_wait", 30*time.Second)
	v.SetDefault("trigger.package", "")
	v.SetDefault("trigger.command", []string{})
	v.SetDefault("trigger.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
}

// BindEnv makes every key overridable through TVWAKE_<SECTION>_<KEY>.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals v, fills the derived defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		argvHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Device.Address = strings.TrimSpace(cfg.Device.Address)
	cfg.Probe.Method = strings.ToLower(cfg.Probe.Method)

	if cfg.MQTT.Topic == "" && cfg.Device.Address != "" {
		cfg.MQTT.Topic = "tvwake/" + cfg.Device.Address + "/state"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "tvwake-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// argvHook splits a command given as one string (flag, env var or scalar in
// a file) on whitespace. It runs before the comma splitting viper applies to
// other lists, so commas inside arguments survive.
func argvHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]string(nil)) {
		return data, nil
	}
	return strings.Fields(reflect.ValueOf(data).String()), nil
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error { return e.Problems }

var (
	// ErrNoTrigger is reported when neither a package nor a command is set.
	ErrNoTrigger = errors.New("trigger: set trigger.package or trigger.command")
	// ErrWakeFamily is reported when the wake group and the device IP are
	// different IP families.
	ErrWakeFamily = errors.New("wake group and device address are different IP families")
)

// Validate checks the configuration without any network access.
func (c *Config) Validate() error {
	var problems []error
	add := func(err error) { problems = append(problems, err) }

	ep, epErr := c.Endpoint()
	if epErr != nil {
		add(fmt.Errorf("device: %w", epErr))
	}
	if c.Probe.Timeout <= 0 {
		add(fmt.Errorf("probe.timeout: must be a positive number of milliseconds, got %d", c.Probe.Timeout))
	}
	switch c.Probe.Method {
	case ProbeTCP, ProbeICMP:
	default:
		add(fmt.Errorf("probe.method: %q is not one of tcp, icmp", c.Probe.Method))
	}

	if c.Wake.Enabled() {
		if _, err := wake.ParseGroup(c.Wake.Group); err != nil {
			add(fmt.Errorf("wake.group: %w", err))
		} else if ip, ok := ep.IP(); epErr == nil && ok {
			if err := CheckWakeFamily(c.Wake.Group, ip); err != nil {
				add(err)
			}
		}
	}
	if c.Wake.MaxWait < 0 {
		add(fmt.Errorf("wake.max_wait: must not be negative, got %s", c.Wake.MaxWait))
	}

	if c.Trigger.Package == "" && len(c.Trigger.Command) == 0 {
		add(ErrNoTrigger)
	}
	if c.Trigger.Timeout <= 0 {
		add(fmt.Errorf("trigger.timeout: must be positive, got %s", c.Trigger.Timeout))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add(fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add(fmt.Errorf("log.format: %q is not one of console, json", c.Log.Format))
	}

	if c.MQTT.Enabled() {
		if err := notify.ValidateBroker(c.MQTT.Broker); err != nil {
			add(fmt.Errorf("mqtt.broker: %w", err))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Endpoint builds the device endpoint from Device.
func (c *Config) Endpoint() (liveness.Endpoint, error) {
	return liveness.NewEndpoint(c.Device.Address, c.Device.Port)
}

// CheckWakeFamily reports ErrWakeFamily when group and device are not the
// same IP family. Host names are checked again once resolved.
func CheckWakeFamily(group string, device netip.Addr) error {
	ap, err := wake.ParseGroup(group)
	if err != nil {
		return fmt.Errorf("wake.group: %w", err)
	}
	if ap.Addr().Is4() != device.Unmap().Is4() {
		return fmt.Errorf("wake.group %s, device %s: %w", ap.Addr(), device, ErrWakeFamily)
	}
	return nil
}
