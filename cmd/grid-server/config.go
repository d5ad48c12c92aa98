package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr         string
	metricsAddr        string
	logFormat          string
	logLevel           string
	batchSizeMax       int
	prioBatchSizeMax   int
	maxDelay           time.Duration
	minFlushFrames     int
	minRequestInterval time.Duration
	heartbeatTimeout   time.Duration
	maxBuffered        int
	mailboxBuffer      int
	maxControllers     int
	mdnsEnable         bool
	mdnsName           string
	serialDev          string
	serialBaud         int
	demoPattern        string
	demoWidth          int
	demoHeight         int
	demoFPS            int
	logMetricsEvery    time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":4000", "Controller WebSocket listen address")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	batchSizeMax := flag.Int("batch-size-max", 120, "Upper bound on frames per batch")
	prioBatchSizeMax := flag.Int("priority-batch-size-max", 20, "Upper bound on priority frames per batch")
	maxDelay := flag.Duration("max-delay", 500*time.Millisecond, "Auto-flush threshold")
	minFlushFrames := flag.Int("min-flush-frames", 5, "Smallest partial-batch size")
	minRequestInterval := flag.Duration("min-request-interval", 50*time.Millisecond, "Per-controller debounce for pull requests")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 60*time.Second, "Session death threshold")
	maxBuffered := flag.Int("max-buffered", 240, "Hard cap on queued frames")
	mailboxBuffer := flag.Int("mailbox-buffer", 16, "Per-controller batch mailbox capacity")
	maxControllers := flag.Int("max-controllers", 0, "Maximum simultaneous controllers (0 = unlimited)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the controller endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default led-grid-<hostname>)")
	serialDev := flag.String("serial-dev", "", "Serial device of a bench-attached controller; empty disables")
	serialBaud := flag.Int("serial-baud", 921600, "Serial baud rate")
	demoPattern := flag.String("demo-pattern", "", "Built-in pattern source: sweep|solid; empty disables")
	demoWidth := flag.Int("demo-width", 16, "Demo pattern grid width")
	demoHeight := flag.Int("demo-height", 16, "Demo pattern grid height")
	demoFPS := flag.Int("demo-fps", 30, "Demo pattern frame rate")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.metricsAddr = *metricsAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.batchSizeMax = *batchSizeMax
	cfg.prioBatchSizeMax = *prioBatchSizeMax
	cfg.maxDelay = *maxDelay
	cfg.minFlushFrames = *minFlushFrames
	cfg.minRequestInterval = *minRequestInterval
	cfg.heartbeatTimeout = *heartbeatTimeout
	cfg.maxBuffered = *maxBuffered
	cfg.mailboxBuffer = *mailboxBuffer
	cfg.maxControllers = *maxControllers
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.demoPattern = *demoPattern
	cfg.demoWidth = *demoWidth
	cfg.demoHeight = *demoHeight
	cfg.demoFPS = *demoFPS
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
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
	switch c.demoPattern {
	case "", "sweep", "solid":
	default:
		return fmt.Errorf("invalid demo-pattern: %s", c.demoPattern)
	}
	if c.batchSizeMax <= 0 {
		return fmt.Errorf("batch-size-max must be > 0 (got %d)", c.batchSizeMax)
	}
	if c.prioBatchSizeMax <= 0 || c.prioBatchSizeMax > c.batchSizeMax {
		return fmt.Errorf("priority-batch-size-max must be in 1..batch-size-max (got %d)", c.prioBatchSizeMax)
	}
	if c.maxDelay <= 0 {
		return fmt.Errorf("max-delay must be > 0")
	}
	if c.minFlushFrames <= 0 {
		return fmt.Errorf("min-flush-frames must be > 0 (got %d)", c.minFlushFrames)
	}
	if c.minRequestInterval <= 0 {
		return fmt.Errorf("min-request-interval must be > 0")
	}
	if c.heartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat-timeout must be > 0")
	}
	if c.maxBuffered < c.batchSizeMax {
		return fmt.Errorf("max-buffered must be >= batch-size-max (got %d)", c.maxBuffered)
	}
	if c.mailboxBuffer <= 0 {
		return fmt.Errorf("mailbox-buffer must be > 0 (got %d)", c.mailboxBuffer)
	}
	if c.maxControllers < 0 {
		return fmt.Errorf("max-controllers must be >= 0")
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.demoPattern != "" {
		if c.demoWidth <= 0 || c.demoWidth > 1024 || c.demoHeight <= 0 || c.demoHeight > 1024 {
			return fmt.Errorf("demo grid must be 1..1024 per side (got %dx%d)", c.demoWidth, c.demoHeight)
		}
		if c.demoFPS <= 0 || c.demoFPS > 120 {
			return fmt.Errorf("demo-fps must be in 1..120 (got %d)", c.demoFPS)
		}
	}
	return nil
}

// applyEnvOverrides maps GRID_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setStr := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", env, err)
				}
				return
			}
			*dst = n
		}
	}
	setBool := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", env, err)
				}
				return
			}
			*dst = b
		}
	}
	setDur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", env, err)
				}
				return
			}
			*dst = d
		}
	}

	setStr("listen", "GRID_SERVER_LISTEN", &c.listenAddr)
	setStr("metrics-addr", "GRID_SERVER_METRICS_ADDR", &c.metricsAddr)
	setStr("log-format", "GRID_SERVER_LOG_FORMAT", &c.logFormat)
	setStr("log-level", "GRID_SERVER_LOG_LEVEL", &c.logLevel)
	setInt("batch-size-max", "GRID_SERVER_BATCH_SIZE_MAX", &c.batchSizeMax)
	setInt("priority-batch-size-max", "GRID_SERVER_PRIORITY_BATCH_SIZE_MAX", &c.prioBatchSizeMax)
	setDur("max-delay", "GRID_SERVER_MAX_DELAY", &c.maxDelay)
	setInt("min-flush-frames", "GRID_SERVER_MIN_FLUSH_FRAMES", &c.minFlushFrames)
	setDur("min-request-interval", "GRID_SERVER_MIN_REQUEST_INTERVAL", &c.minRequestInterval)
	setDur("heartbeat-timeout", "GRID_SERVER_HEARTBEAT_TIMEOUT", &c.heartbeatTimeout)
	setInt("max-buffered", "GRID_SERVER_MAX_BUFFERED", &c.maxBuffered)
	setInt("mailbox-buffer", "GRID_SERVER_MAILBOX_BUFFER", &c.mailboxBuffer)
	setInt("max-controllers", "GRID_SERVER_MAX_CONTROLLERS", &c.maxControllers)
	setBool("mdns-enable", "GRID_SERVER_MDNS_ENABLE", &c.mdnsEnable)
	setStr("mdns-name", "GRID_SERVER_MDNS_NAME", &c.mdnsName)
	setStr("serial-dev", "GRID_SERVER_SERIAL_DEV", &c.serialDev)
	setInt("serial-baud", "GRID_SERVER_SERIAL_BAUD", &c.serialBaud)
	setStr("demo-pattern", "GRID_SERVER_DEMO_PATTERN", &c.demoPattern)
	setInt("demo-width", "GRID_SERVER_DEMO_WIDTH", &c.demoWidth)
	setInt("demo-height", "GRID_SERVER_DEMO_HEIGHT", &c.demoHeight)
	setInt("demo-fps", "GRID_SERVER_DEMO_FPS", &c.demoFPS)
	setDur("log-metrics-interval", "GRID_SERVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	return firstErr
}
