package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// GatewayConfig holds the gateway router settings.
type GatewayConfig struct {
	Addr           string
	Services       map[string]string
	DirectoryFile  string
	ForwardTimeout time.Duration
	ProbeTimeout   time.Duration
	MaxBodyBytes   int64
}

// SchedulerConfig holds the scheduler daemon settings.
type SchedulerConfig struct {
	Addr            string
	Mode            string
	GatewayURL      string
	Workers         int
	QueueSize       int
	TickInterval    time.Duration
	DispatchTimeout time.Duration
	StateDir        string
	ResultRetention int
	UseUTC          bool
}

// CollectorConfig holds settings shared by the session-based collectors.
type CollectorConfig struct {
	Addr               string
	SessionIdleTimeout time.Duration
}

// SNMPConfig holds SNMP collector settings.
type SNMPConfig struct {
	Addr    string
	Workers int
}

// APIConfig holds HTTP API collector settings.
type APIConfig struct {
	Addr           string
	Workers        int
	DefaultTimeout time.Duration
}

// NotifyConfig holds failure notification settings.
type NotifyConfig struct {
	URL     string
	BarkURL string
	PerSec  float64
	Enabled bool
}

// Config holds all runtime configuration options for every service.
type Config struct {
	Log       LogConfig
	Gateway   GatewayConfig
	Scheduler SchedulerConfig
	Shell     CollectorConfig
	CLI       CollectorConfig
	SNMP      SNMPConfig
	API       APIConfig
	Notify    NotifyConfig

	ShutdownGrace time.Duration
}

const (
	defaultLogLevel        = "info"
	defaultGatewayAddr     = "0.0.0.0:8000"
	defaultSchedulerAddr   = "0.0.0.0:8040"
	defaultShellAddr       = "0.0.0.0:8010"
	defaultCLIAddr         = "0.0.0.0:8021"
	defaultSNMPAddr        = "0.0.0.0:8030"
	defaultAPIAddr         = "0.0.0.0:8020"
	defaultAPITimeout      = 30 * time.Second
	defaultGatewayURL      = "http://localhost:8000"
	defaultForwardTimeout  = 30 * time.Second
	defaultProbeTimeout    = 5 * time.Second
	defaultMaxBodyBytes    = 16 << 20
	defaultWorkers         = 5
	defaultQueueSize       = 64
	defaultTickInterval    = time.Second
	defaultDispatchTimeout = 2 * time.Minute
	defaultSNMPWorkers     = 10
	defaultNotifyPerSec    = 0.2
	defaultShutdownGrace   = 5 * time.Second
)

// DefaultServices is the built-in service directory.
func DefaultServices() map[string]string {
	return map[string]string{
		"ssh":       "http://localhost:8010",
		"api":       "http://localhost:8020",
		"cli":       "http://localhost:8021",
		"snmp":      "http://localhost:8030",
		"scheduler": "http://localhost:8040",
	}
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

type env struct{ lookup LookupFunc }

func (e env) str(key, def string) string {
	if val, ok := e.lookup(key); ok {
		return val
	}
	return def
}

func (e env) int(key string, def int) int {
	if val, ok := e.lookup(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i
		}
	}
	return def
}

func (e env) float(key string, def float64) float64 {
	if val, ok := e.lookup(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return def
}

func (e env) bool(key string, def bool) bool {
	if val, ok := e.lookup(key); ok {
		lower := strings.ToLower(strings.TrimSpace(val))
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return def
}

func (e env) duration(key string, def time.Duration) time.Duration {
	if val, ok := e.lookup(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
			return d
		}
	}
	return def
}

// Load reads .env files and NETCOLLECT_* environment variables.
// Priority: environment variables > .env file > defaults. Flags are applied by the caller.
func Load() (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "netcollect", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds a Config from the given environment lookup.
func LoadFrom(lookup LookupFunc) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		Log: LogConfig{
			Level:  e.str("NETCOLLECT_LOG_LEVEL", defaultLogLevel),
			Format: e.str("NETCOLLECT_LOG_FORMAT", "text"),
		},
		Gateway: GatewayConfig{
			Addr:           e.str("NETCOLLECT_GATEWAY_ADDR", defaultGatewayAddr),
			Services:       DefaultServices(),
			DirectoryFile:  e.str("NETCOLLECT_GATEWAY_DIRECTORY", ""),
			ForwardTimeout: e.duration("NETCOLLECT_GATEWAY_FORWARD_TIMEOUT", defaultForwardTimeout),
			ProbeTimeout:   e.duration("NETCOLLECT_GATEWAY_PROBE_TIMEOUT", defaultProbeTimeout),
			MaxBodyBytes:   int64(e.int("NETCOLLECT_GATEWAY_MAX_BODY", defaultMaxBodyBytes)),
		},
		Scheduler: SchedulerConfig{
			Addr:            e.str("NETCOLLECT_SCHEDULER_ADDR", defaultSchedulerAddr),
			Mode:            e.str("NETCOLLECT_SCHEDULER_MODE", "http"),
			GatewayURL:      e.str("NETCOLLECT_GATEWAY_URL", defaultGatewayURL),
			Workers:         e.int("NETCOLLECT_SCHEDULER_WORKERS", defaultWorkers),
			QueueSize:       e.int("NETCOLLECT_SCHEDULER_QUEUE_SIZE", defaultQueueSize),
			TickInterval:    e.duration("NETCOLLECT_SCHEDULER_TICK", defaultTickInterval),
			DispatchTimeout: e.duration("NETCOLLECT_DISPATCH_TIMEOUT", defaultDispatchTimeout),
			StateDir:        e.str("NETCOLLECT_STATE_DIR", ""),
			ResultRetention: e.int("NETCOLLECT_RESULT_RETENTION", 0),
			UseUTC:          e.bool("NETCOLLECT_USE_UTC", false),
		},
		Shell: CollectorConfig{
			Addr:               e.str("NETCOLLECT_SHELL_ADDR", defaultShellAddr),
			SessionIdleTimeout: e.duration("NETCOLLECT_SESSION_IDLE_TIMEOUT", 0),
		},
		CLI: CollectorConfig{
			Addr:               e.str("NETCOLLECT_CLI_ADDR", defaultCLIAddr),
			SessionIdleTimeout: e.duration("NETCOLLECT_SESSION_IDLE_TIMEOUT", 0),
		},
		SNMP: SNMPConfig{
			Addr:    e.str("NETCOLLECT_SNMP_ADDR", defaultSNMPAddr),
			Workers: e.int("NETCOLLECT_SNMP_WORKERS", defaultSNMPWorkers),
		},
		API: APIConfig{
			Addr:           e.str("NETCOLLECT_API_ADDR", defaultAPIAddr),
			Workers:        e.int("NETCOLLECT_API_WORKERS", defaultSNMPWorkers),
			DefaultTimeout: e.duration("NETCOLLECT_API_TIMEOUT", defaultAPITimeout),
		},
		Notify: NotifyConfig{
			URL:     e.str("NETCOLLECT_NOTIFY_URL", ""),
			BarkURL: e.str("NETCOLLECT_NOTIFY_BARK_URL", ""),
			PerSec:  e.float("NETCOLLECT_NOTIFY_RATE", defaultNotifyPerSec),
		},
		ShutdownGrace: e.duration("NETCOLLECT_SHUTDOWN_GRACE", defaultShutdownGrace),
	}
	cfg.Notify.Enabled = e.bool("NETCOLLECT_NOTIFY_ENABLED", cfg.Notify.URL != "" || cfg.Notify.BarkURL != "")

	if raw := strings.TrimSpace(e.str("NETCOLLECT_GATEWAY_SERVICES", "")); raw != "" {
		services, err := ParseServices(raw)
		if err != nil {
			return nil, err
		}
		cfg.Gateway.Services = services
	}
	if cfg.Gateway.DirectoryFile != "" {
		services, err := LoadDirectoryFile(cfg.Gateway.DirectoryFile)
		if err != nil {
			return nil, err
		}
		cfg.Gateway.Services = services
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants and fills in defaults for out-of-range values.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 1 {
		c.Scheduler.Workers = defaultWorkers
	}
	if c.Scheduler.QueueSize < 1 {
		c.Scheduler.QueueSize = defaultQueueSize
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaultTickInterval
	}
	if c.Scheduler.ResultRetention < 0 {
		c.Scheduler.ResultRetention = 0
	}
	if c.SNMP.Workers < 1 {
		c.SNMP.Workers = defaultSNMPWorkers
	}
	if c.API.Workers < 1 {
		c.API.Workers = defaultSNMPWorkers
	}
	if c.API.DefaultTimeout <= 0 {
		c.API.DefaultTimeout = defaultAPITimeout
	}
	switch c.Scheduler.Mode {
	case "http", "mcp", "both":
	case "":
		c.Scheduler.Mode = "http"
	default:
		return fmt.Errorf("invalid scheduler mode %q (valid: http, mcp, both)", c.Scheduler.Mode)
	}
	if len(c.Gateway.Services) == 0 {
		return fmt.Errorf("gateway service directory is empty")
	}
	for name, url := range c.Gateway.Services {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return fmt.Errorf("invalid gateway service entry %q=%q", name, url)
		}
	}
	return nil
}

// ParseServices parses "name=url,name=url" into a directory map.
func ParseServices(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("invalid service entry %q, want name=url", part)
		}
		out[strings.TrimSpace(name)] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return out, nil
}

type directoryFile struct {
	Services map[string]string `yaml:"services"`
}

// LoadDirectoryFile reads a YAML service directory:
//
//	services:
//	  ssh: http://localhost:8010
func LoadDirectoryFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var doc directoryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("directory file %s declares no services", path)
	}
	out := make(map[string]string, len(doc.Services))
	for name, url := range doc.Services {
		out[name] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return out, nil
}

// ServiceNames returns the directory names in sorted order.
func (g GatewayConfig) ServiceNames() []string {
	names := make([]string, 0, len(g.Services))
	for name := range g.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Location returns the time zone used when rendering schedule previews.
func (s SchedulerConfig) Location() *time.Location {
	if s.UseUTC {
		return time.UTC
	}
	return time.Local
}
