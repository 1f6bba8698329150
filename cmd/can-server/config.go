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

	"github.com/BurntSushi/toml"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/hub"
)

type appConfig struct {
	configFile      string
	backend         string // kind:name device spec
	baud            int
	serialReadTO    time.Duration
	bitrate         uint
	fd              bool
	filters         string
	txQueue         int
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		backend:      "socketcan:can0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		txQueue:      1024,
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    hub.DefaultOutBufSize,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

// bindFlags registers every option on fs with c's current values as
// defaults.
func bindFlags(fs *flag.FlagSet, c *appConfig) *bool {
	fs.StringVar(&c.configFile, "config", c.configFile, "TOML config file (flags and CAN_SERVER_* env override it)")
	fs.StringVar(&c.backend, "backend", c.backend, "CAN device kind:name, e.g. socketcan:can0, serial:/dev/ttyUSB0, loopback:sim0, cnl:host:port")
	fs.IntVar(&c.baud, "baud", c.baud, "Serial baud rate (serial backend)")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout (serial backend)")
	fs.UintVar(&c.bitrate, "bitrate", c.bitrate, "Program this bitrate before opening (socketcan backend, 0 keeps the current one)")
	fs.BoolVar(&c.fd, "fd", c.fd, "Enable CAN FD frames (socketcan backend)")
	fs.StringVar(&c.filters, "filters", c.filters, "Acceptance filters, comma separated id:mask in hex (empty accepts all)")
	fs.IntVar(&c.txQueue, "tx-buffer", c.txQueue, "Backend transmit queue (frames)")
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "TCP listen address")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", c.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", c.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.IntVar(&c.maxClients, "max-clients", c.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", c.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default can-server-<hostname>)")
	return fs.Bool("version", false, "Print version and exit")
}

// loadConfig resolves the configuration with precedence
// flag > env > file > default.
func loadConfig(args []string, stderr io.Writer) (*appConfig, bool, error) {
	// First pass learns which flags were given and where the file is.
	probe := defaultConfig()
	fs := flag.NewFlagSet("can-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := bindFlags(fs, probe)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg := defaultConfig()
	path := probe.configFile
	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv("CAN_SERVER_CONFIG"); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	// Second pass lays the explicit flags over file and env.
	fs2 := flag.NewFlagSet("can-server", flag.ContinueOnError)
	fs2.SetOutput(io.Discard)
	bindFlags(fs2, cfg)
	if err := fs2.Parse(args); err != nil {
		return nil, false, err
	}
	cfg.configFile = path
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// fileConfig is the TOML layout of the config file.
type fileConfig struct {
	Backend           string `toml:"backend"`
	Baud              int    `toml:"baud"`
	SerialReadTimeout string `toml:"serial_read_timeout"`
	Bitrate           uint   `toml:"bitrate"`
	FD                bool   `toml:"fd"`
	Filters           string `toml:"filters"`
	TxBuffer          int    `toml:"tx_buffer"`
	Listen            string `toml:"listen"`
	LogFormat         string `toml:"log_format"`
	LogLevel          string `toml:"log_level"`
	MetricsAddr       string `toml:"metrics_addr"`
	HubBuffer         int    `toml:"hub_buffer"`
	HubPolicy         string `toml:"hub_policy"`
	LogMetricsEvery   string `toml:"log_metrics_interval"`
	MaxClients        int    `toml:"max_clients"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	ClientReadTimeout string `toml:"client_read_timeout"`
	MDNSEnable        bool   `toml:"mdns_enable"`
	MDNSName          string `toml:"mdns_name"`
}

// loadConfigFile overlays the keys present in path onto c.
func loadConfigFile(path string, c *appConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undec[0].String())
	}
	dur := func(key, v string, dst *time.Duration) error {
		if !meta.IsDefined(key) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("load config %s: %s: %w", path, key, err)
		}
		*dst = d
		return nil
	}
	if meta.IsDefined("backend") {
		c.backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("baud") {
		c.baud = raw.Baud
	}
	if meta.IsDefined("bitrate") {
		c.bitrate = raw.Bitrate
	}
	if meta.IsDefined("fd") {
		c.fd = raw.FD
	}
	if meta.IsDefined("filters") {
		c.filters = strings.TrimSpace(raw.Filters)
	}
	if meta.IsDefined("tx_buffer") {
		c.txQueue = raw.TxBuffer
	}
	if meta.IsDefined("listen") {
		c.listenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("log_format") {
		c.logFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("log_level") {
		c.logLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		c.metricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("hub_buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if meta.IsDefined("hub_policy") {
		c.hubPolicy = strings.TrimSpace(raw.HubPolicy)
	}
	if meta.IsDefined("max_clients") {
		c.maxClients = raw.MaxClients
	}
	if meta.IsDefined("mdns_enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	if meta.IsDefined("mdns_name") {
		c.mdnsName = strings.TrimSpace(raw.MDNSName)
	}
	return errors.Join(
		dur("serial_read_timeout", raw.SerialReadTimeout, &c.serialReadTO),
		dur("log_metrics_interval", raw.LogMetricsEvery, &c.logMetricsEvery),
		dur("handshake_timeout", raw.HandshakeTimeout, &c.handshakeTO),
		dur("client_read_timeout", raw.ClientReadTimeout, &c.clientReadTO),
	)
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
	kind, name, ok := strings.Cut(c.backend, ":")
	if !ok || kind == "" || name == "" {
		return fmt.Errorf("invalid backend %q (want kind:name)", c.backend)
	}
	if !knownKind(kind) {
		return fmt.Errorf("invalid backend kind %q (registered: %s)", kind, strings.Join(can.Kinds(), ", "))
	}
	if _, err := can.ParseFilters(c.filters); err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil || c.hubPolicy == "" {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-buffer must be > 0 (got %d)", c.txQueue)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

func knownKind(kind string) bool {
	for _, k := range can.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// applyEnvOverrides maps CAN_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration format. The first parse error is returned
// after all variables were visited.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := envApplier{set: set}
	e.str("backend", "CAN_SERVER_BACKEND", &c.backend)
	e.num("baud", "CAN_SERVER_BAUD", &c.baud, 1)
	e.dur("serial-read-timeout", "CAN_SERVER_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	e.unum("bitrate", "CAN_SERVER_BITRATE", &c.bitrate)
	e.flag("fd", "CAN_SERVER_FD", &c.fd)
	e.str("filters", "CAN_SERVER_FILTERS", &c.filters)
	e.num("tx-buffer", "CAN_SERVER_TX_BUFFER", &c.txQueue, 1)
	e.str("listen", "CAN_SERVER_LISTEN", &c.listenAddr)
	e.str("log-format", "CAN_SERVER_LOG_FORMAT", &c.logFormat)
	e.str("log-level", "CAN_SERVER_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value disables metrics explicitly.
		if v, ok := os.LookupEnv("CAN_SERVER_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.num("hub-buffer", "CAN_SERVER_HUB_BUFFER", &c.hubBuffer, 1)
	e.str("hub-policy", "CAN_SERVER_HUB_POLICY", &c.hubPolicy)
	e.num("max-clients", "CAN_SERVER_MAX_CLIENTS", &c.maxClients, 0)
	e.dur("handshake-timeout", "CAN_SERVER_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	e.dur("client-read-timeout", "CAN_SERVER_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	e.flag("mdns-enable", "CAN_SERVER_MDNS_ENABLE", &c.mdnsEnable)
	e.str("mdns-name", "CAN_SERVER_MDNS_NAME", &c.mdnsName)
	e.dur("log-metrics-interval", "CAN_SERVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	return e.err
}

type envApplier struct {
	set map[string]struct{}
	err error
}

// lookup returns the trimmed value of key unless flagName was set or the
// value is empty.
func (e *envApplier) lookup(flagName, key string) (string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envApplier) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envApplier) str(flagName, key string, dst *string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envApplier) num(flagName, key string, dst *int, floor int) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil && n < floor {
		err = fmt.Errorf("%d below %d", n, floor)
	}
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envApplier) unum(flagName, key string, dst *uint) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = uint(n)
}

func (e *envApplier) dur(flagName, key string, dst *time.Duration) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err == nil && d < 0 {
		err = fmt.Errorf("negative duration %s", v)
	}
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envApplier) flag(flagName, key string, dst *bool) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("not a boolean: %q", v))
	}
}
