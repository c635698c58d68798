package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-epos2-driver/internal/bridge"
	"github.com/kstaniek/go-epos2-driver/internal/epos2"
	"github.com/kstaniek/go-epos2-driver/internal/slcan"
)

const envPrefix = "EPOS2_"

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	bitrate         int
	cannelloniAddr  string
	handshakeTO     time.Duration
	nodeID          int
	settleDelay     time.Duration
	readTimeout     time.Duration
	initAttempts    int
	probeOnEnable   bool
	redisAddr       string
	redisPassword   string
	redisDB         int
	targetChannel   string
	actualChannel   string
	telemetryBuffer int
	maxCycleRate    float64
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args into a validated config. The bool reports --version.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("epos2-driver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|slcan|cannelloni")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyACM0", "SLCAN serial device (when --backend=slcan)")
	fs.IntVar(&cfg.baud, "baud", 115200, "SLCAN serial baud rate")
	fs.IntVar(&cfg.bitrate, "bitrate", 1000000, "CAN bitrate configured on the SLCAN adapter")
	fs.StringVar(&cfg.cannelloniAddr, "cannelloni-addr", "", "Cannelloni gateway host:port (when --backend=cannelloni)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Cannelloni handshake timeout")
	fs.IntVar(&cfg.nodeID, "node-id", int(epos2.DefaultNodeID), "CANopen node id of the amplifier (1..127)")
	fs.DurationVar(&cfg.settleDelay, "settle-delay", time.Second, "Pause after each lifecycle command")
	fs.DurationVar(&cfg.readTimeout, "read-timeout", 100*time.Millisecond, "Velocity read-back timeout")
	fs.IntVar(&cfg.initAttempts, "init-attempts", 1, "Amplifier initialization attempts before giving up")
	fs.BoolVar(&cfg.probeOnEnable, "probe-on-enable", true, "Read the velocity once right after enabling")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "localhost:6379", "Redis address for setpoints and readings")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.redisDB, "redis-db", 0, "Redis database")
	fs.StringVar(&cfg.targetChannel, "target-channel", bridge.DefaultTargetChannel, "Channel carrying velocity setpoints")
	fs.StringVar(&cfg.actualChannel, "actual-channel", bridge.DefaultActualChannel, "Channel receiving velocity readings")
	fs.IntVar(&cfg.telemetryBuffer, "telemetry-buffer", 64, "Readings queued for publishing before dropping")
	fs.Float64Var(&cfg.maxCycleRate, "max-cycle-rate", 0, "Max setpoint cycles per second (0 = unlimited)")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default epos2-driver-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or connections – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if required for socketcan backend")
		}
	case "slcan":
		if c.serialDev == "" {
			return errors.New("serial required for slcan backend")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if _, err := slcan.BitrateCommand(c.bitrate); err != nil {
			return err
		}
	case "cannelloni":
		if c.cannelloniAddr == "" {
			return errors.New("cannelloni-addr required for cannelloni backend")
		}
		if c.handshakeTO <= 0 {
			return errors.New("handshake-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.nodeID < 1 || c.nodeID > 127 {
		return fmt.Errorf("invalid node-id: %d", c.nodeID)
	}
	if c.settleDelay < 0 {
		return errors.New("settle-delay must be >= 0")
	}
	if c.readTimeout <= 0 {
		return errors.New("read-timeout must be > 0")
	}
	if c.initAttempts < 1 {
		return fmt.Errorf("init-attempts must be >= 1 (got %d)", c.initAttempts)
	}
	if c.redisAddr == "" {
		return errors.New("redis-addr required")
	}
	if c.redisDB < 0 {
		return errors.New("redis-db must be >= 0")
	}
	if c.targetChannel == "" || c.actualChannel == "" {
		return errors.New("target-channel and actual-channel must be set")
	}
	if c.telemetryBuffer <= 0 {
		return fmt.Errorf("telemetry-buffer must be > 0 (got %d)", c.telemetryBuffer)
	}
	if c.maxCycleRate < 0 {
		return errors.New("max-cycle-rate must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.metricsAddr != "" {
		if _, err := portOf(c.metricsAddr); err != nil {
			return fmt.Errorf("mdns needs a metrics-addr with a port: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides maps EPOS2_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format. The first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	// lookup returns the value for flag name unless the flag was set on the command line.
	lookup := func(name string) (string, string, bool) {
		if _, ok := set[name]; ok {
			return "", "", false
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return key, v, ok && v != ""
	}
	str := func(name string, dst *string) {
		if _, v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int, min int) {
		if key, v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < min {
				err = fmt.Errorf("%d below %d", n, min)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if key, v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %s", d)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if key, v, ok := lookup(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("backend", &c.backend)
	str("can-if", &c.canIf)
	str("serial", &c.serialDev)
	num("baud", &c.baud, 1)
	num("bitrate", &c.bitrate, 1)
	str("cannelloni-addr", &c.cannelloniAddr)
	dur("handshake-timeout", &c.handshakeTO)
	num("node-id", &c.nodeID, 1)
	dur("settle-delay", &c.settleDelay)
	dur("read-timeout", &c.readTimeout)
	num("init-attempts", &c.initAttempts, 1)
	boolean("probe-on-enable", &c.probeOnEnable)
	str("redis-addr", &c.redisAddr)
	// the password may legitimately be empty; read it directly
	if _, ok := set["redis-password"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "REDIS_PASSWORD"); ok {
			c.redisPassword = v
		}
	}
	num("redis-db", &c.redisDB, 0)
	str("target-channel", &c.targetChannel)
	str("actual-channel", &c.actualChannel)
	num("telemetry-buffer", &c.telemetryBuffer, 1)
	if key, v, ok := lookup("max-cycle-rate"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.maxCycleRate = f
		} else if err != nil {
			fail(key, err)
		} else {
			fail(key, fmt.Errorf("negative rate %v", f))
		}
	}
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	// an empty EPOS2_METRICS_ADDR disables the endpoint
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	dur("log-metrics-interval", &c.logMetricsEvery)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	return firstErr
}
