package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jkaberg/powermon/internal/app"
	"github.com/jkaberg/powermon/internal/config"
	"github.com/jkaberg/powermon/internal/display"
	"github.com/jkaberg/powermon/internal/energy"
	"github.com/jkaberg/powermon/internal/hw"
	"github.com/jkaberg/powermon/internal/input"
	"github.com/jkaberg/powermon/internal/metrics"
	"github.com/jkaberg/powermon/internal/mqtt"
	"github.com/jkaberg/powermon/internal/retry"
	"github.com/jkaberg/powermon/internal/sensors"
	"github.com/jkaberg/powermon/internal/timesync"
	"github.com/jkaberg/powermon/internal/transmission"
	"github.com/jkaberg/powermon/internal/wifi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	cfg, debugMode, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Debug path ------------------------------------------------------------------
	if debugMode {
		runDebugMode(cfg)
		return
	}

	logger := setupLogger(cfg.Verbose)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":   version,
		"device_id": cfg.DeviceID,
		"tick":      cfg.TickInterval,
		"sensor":    fmt.Sprintf("0x%02x", cfg.SensorAddress),
		"mqtt":      cfg.HasMQTT(),
		"display":   cfg.HasDisplay(),
	}).Info("Starting powermon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Hardware -------------------------------------------------------------------
	if err := hw.Init(); err != nil {
		logger.WithError(err).Warn("Host driver initialisation failed")
	}

	var bus drivers.I2C
	if b, err := hw.OpenI2C(cfg.I2CBus); err != nil {
		logger.WithError(err).Warn("I2C bus unavailable")
	} else {
		defer b.Close()
		bus = b
	}
	sensor := sensors.NewSource(bus, sensors.Config{
		Address:     cfg.SensorAddress,
		ShuntFactor: cfg.ShuntFactor,
	}, logger)

	var screen app.Renderer
	if cfg.HasDisplay() {
		fb, err := display.OpenFramebuffer(cfg.Framebuffer, int16(cfg.DisplayWidth), int16(cfg.DisplayHeight))
		if err != nil {
			logger.WithError(err).Warn("Display unavailable")
		} else {
			defer fb.Close()
			s := display.NewScreen(fb)
			if err := s.Init(); err != nil {
				logger.WithError(err).Warn("Initial screen paint failed")
			}
			screen = s
		}
	}

	var led app.Heartbeat
	if cfg.LEDPin != "" {
		if l, err := hw.OpenLED(cfg.LEDPin); err != nil {
			logger.WithError(err).Warn("Heartbeat LED unavailable")
		} else {
			led = l
		}
	}
	buttons := input.NewHandler(openButton(cfg.ResetPin, logger), openButton(cfg.ReconnectPin, logger), logger)

	// Connectivity ---------------------------------------------------------------
	link := wifi.NewManager(cfg.WiFiInterface, logger)
	link.MaxAttempts = config.WiFiMaxAttempts
	link.Pacing = config.WiFiPacing

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	clock := timesync.NewClock(config.NTPTimeout, logger)
	timeSync := retry.New("ntp", link.IsConnected, func(ctx context.Context) error {
		return clock.Sync(ctx, cfg.NTPServer)
	}, config.NTPTimeout, logger)
	timeSync.OnAttempt = met.ObserveAttempt

	// Transmitters ---------------------------------------------------------------
	var (
		mqttClient *mqtt.Client
		broker     app.Stepper
		publisher  transmission.Transmitter
	)
	if cfg.HasMQTT() {
		opts := mqtt.Options{
			ClientID:       cfg.ClientID,
			KeepAlive:      config.MQTTKeepAlive,
			ConnectTimeout: config.MQTTConnectTimeout,
			PublishTimeout: config.MQTTPublishTimeout,
			QoS:            byte(cfg.QoS),
			SubscribeTopic: cfg.SubscribeTopic,
		}
		if cfg.DiscoveryPrefix != "" {
			opts.WillTopic = mqtt.BuildCleanTopic(cfg.TopicPrefix, "availability")
		}
		mqttClient, err = mqtt.NewClient(cfg.MQTTUrl, opts, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer mqttClient.Disconnect(250)

		tx := transmission.NewMQTTTransmitter(mqttClient, link.IsConnected, cfg.TopicPrefix, cfg.DeviceID, cfg.DiscoveryPrefix, logger)
		tx.OnFailure = met.ObservePublishFailure
		publisher = tx

		m := retry.New("mqtt", link.IsConnected, func(ctx context.Context) error {
			return mqttClient.Connect(ctx, cfg.MQTTCleanSession)
		}, config.MQTTConnectTimeout, logger)
		m.OnAttempt = met.ObserveAttempt
		broker = m
		logger.Info("MQTT transmitter ready")
	} else {
		logger.Warn("No MQTT broker configured; readings are only displayed")
	}

	// Run application ------------------------------------------------------------
	mon, err := app.New(cfg, app.Deps{
		Sensor:      sensor,
		Raw:         sensor,
		Accumulator: energy.New(),
		Clock:       clock,
		Link:        link,
		TimeSync:    timeSync,
		Broker:      broker,
		Screen:      screen,
		Publisher:   publisher,
		Buttons:     buttons,
		LED:         led,
		Metrics:     met,
		Debug:       os.Stdout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble monitor")
	}
	buttons.OnReset = mon.ResetCounters
	buttons.OnReconnect = mon.Reconnect
	if mqttClient != nil {
		mqttClient.SetMessageHandler(mon.HandleMessage)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	if err := mon.Run(ctx); err != nil {
		logger.WithError(err).Error("Monitor exited")
	}
	logger.Info("powermon stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

// parseFlags layers defaults, the YAML file, POWERMON_* variables and flags,
// in increasing precedence.
func parseFlags() (*config.Config, bool, error) {
	cfg := config.GetDefaultConfig()

	path := configPath(os.Args[1:])
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, false, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, false, err
	}

	showVersion := flag.Bool("version", false, "Show version and exit")
	debug := flag.Bool("debug", false, "Scan the I2C bus, dump the sensor registers and exit")
	flag.String("config", path, "YAML config file")

	flag.StringVar(&cfg.I2CBus, "i2c-bus", cfg.I2CBus, "I2C bus name (empty for the first bus)")
	flag.Func("sensor-address", fmt.Sprintf("INA219 address (default 0x%02x)", cfg.SensorAddress), func(s string) error {
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return err
		}
		cfg.SensorAddress = uint16(n)
		return nil
	})
	flag.Float64Var(&cfg.ShuntFactor, "shunt-factor", cfg.ShuntFactor, "Current multiplier for the fitted shunt")
	flag.StringVar(&cfg.Framebuffer, "framebuffer", cfg.Framebuffer, "Framebuffer device (empty disables the display)")
	flag.IntVar(&cfg.DisplayWidth, "display-width", cfg.DisplayWidth, "Display width in pixels")
	flag.IntVar(&cfg.DisplayHeight, "display-height", cfg.DisplayHeight, "Display height in pixels")
	flag.StringVar(&cfg.ResetPin, "reset-pin", cfg.ResetPin, "Reset button GPIO")
	flag.StringVar(&cfg.ReconnectPin, "reconnect-pin", cfg.ReconnectPin, "Reconnect button GPIO")
	flag.StringVar(&cfg.LEDPin, "led-pin", cfg.LEDPin, "Heartbeat LED GPIO")
	flag.StringVar(&cfg.WiFiInterface, "wifi-interface", cfg.WiFiInterface, "Wireless interface")
	flag.StringVar(&cfg.WiFiSSID, "wifi-ssid", cfg.WiFiSSID, "WiFi network name")
	flag.StringVar(&cfg.WiFiPassword, "wifi-password", cfg.WiFiPassword, "WiFi passphrase")
	flag.StringVar(&cfg.NTPServer, "ntp-server", cfg.NTPServer, "NTP server")
	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", cfg.MQTTUrl, "MQTT URL")
	flag.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "MQTT client ID")
	flag.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device identifier")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", cfg.TopicPrefix, "Prefix for the published channels")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", cfg.DiscoveryPrefix, "HA discovery prefix (empty disables discovery)")
	flag.StringVar(&cfg.SubscribeTopic, "subscribe-topic", cfg.SubscribeTopic, "Topic to subscribe to")
	flag.BoolVar(&cfg.MQTTCleanSession, "mqtt-clean-session", cfg.MQTTCleanSession, "Start a clean MQTT session")
	flag.IntVar(&cfg.QoS, "qos", cfg.QoS, "MQTT QoS for published channels")
	flag.BoolVar(&cfg.DebugStream, "debug-stream", cfg.DebugStream, "Print raw register CSV to stdout")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Verbose logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")

	utcOffsetStr := flag.String("utc-offset", "", "UTC offset for timestamps (e.g. 1h, 3600)")
	tickIntervalStr := flag.String("tick-interval", "", "Tick period (only 1s is accepted)")
	pollIntervalStr := flag.String("poll-interval", "", "Button poll period (e.g. 1s)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("powermon %s\n", version)
		os.Exit(0)
	}

	// Duration overrides
	for _, o := range []struct {
		s   string
		dst *time.Duration
	}{
		{*utcOffsetStr, &cfg.UTCOffset},
		{*tickIntervalStr, &cfg.TickInterval},
		{*pollIntervalStr, &cfg.PollInterval},
	} {
		if o.s == "" {
			continue
		}
		d, err := config.ParseDuration(o.s)
		if err != nil {
			return nil, false, err
		}
		*o.dst = d
	}

	return cfg, *debug, nil
}

// configPath finds -config ahead of flag.Parse so the file can sit below env
// and flags in precedence.
func configPath(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(config.EnvPrefix + "CONFIG")
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func openButton(name string, logger *logrus.Logger) input.Pin {
	if name == "" {
		return nil
	}
	p, err := hw.OpenInput(name)
	if err != nil {
		logger.WithError(err).WithField("pin", name).Warn("Button unavailable")
		return nil
	}
	return p
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}

func runDebugMode(cfg *config.Config) {
	logger := setupLogger(true)
	if err := hw.Init(); err != nil {
		logger.WithError(err).Fatal("Debug mode failed")
	}
	bus, err := hw.OpenI2C(cfg.I2CBus)
	if err != nil {
		logger.WithError(err).Fatal("Debug mode failed")
	}
	defer bus.Close()

	found := sensors.Scan(bus)
	addrs := make([]string, len(found))
	for i, a := range found {
		addrs[i] = fmt.Sprintf("0x%02x", a)
	}
	logger.WithField("devices", strings.Join(addrs, " ")).Info("I2C scan complete")

	src := sensors.NewSource(bus, sensors.Config{Address: cfg.SensorAddress, ShuntFactor: cfg.ShuntFactor}, logger)
	if !src.Present() {
		logger.Fatal("Debug mode failed: sensor not detected")
	}
	raw, err := src.ReadRaw()
	if err != nil {
		logger.WithError(err).Fatal("Debug mode failed")
	}
	r, err := src.Sample()
	if err != nil {
		logger.WithError(err).Fatal("Debug mode failed")
	}
	fmt.Println("bus,current,shunt,power")
	fmt.Println(raw.CSV())
	logger.WithFields(logrus.Fields{
		"voltage_v":  r.VoltageV,
		"current_ma": r.CurrentMA,
		"power_w":    r.PowerW,
	}).Info("Sensor reading")
}
