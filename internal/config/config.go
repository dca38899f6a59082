package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paularlott/cli"
	"github.com/robfig/cron/v3"
)

const envPrefix = "ROUTERSYNC_"

// Config holds the application configuration
type Config struct {
	DataDir      string
	ListenAddr   string
	APIAuthToken string
	MCPAuthToken string

	// MasterKey is base64; KeyVersion is the version new secrets are sealed with
	MasterKey  string
	KeyVersion int

	ReconcileSchedule string
	ResumeSchedule    string
	ReconcileWorkers  int
	SchedulerEnabled  bool

	DeviceTimeout     time.Duration
	DeviceRetries     int
	DeviceInsecureTLS bool
	LockTimeout       time.Duration

	ProbeEnabled bool
	ProbeTimeout time.Duration
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		DataDir:           "./data",
		ListenAddr:        ":8080",
		KeyVersion:        1,
		ReconcileSchedule: "@every 5m",
		ResumeSchedule:    "@every 1m",
		ReconcileWorkers:  4,
		SchedulerEnabled:  true,
		DeviceTimeout:     10 * time.Second,
		DeviceRetries:     3,
		LockTimeout:       10 * time.Second,
		ProbeEnabled:      true,
		ProbeTimeout:      2 * time.Second,
	}
}

// GetFlags returns the server flags, each bound to its ROUTERSYNC_* variable
func GetFlags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "Data directory path", DefaultValue: d.DataDir, EnvVars: []string{envPrefix + "DATA_DIR"}},
		&cli.StringFlag{Name: "listen-addr", Usage: "Server listen address", DefaultValue: d.ListenAddr, EnvVars: []string{envPrefix + "LISTEN_ADDR"}},
		&cli.StringFlag{Name: "api-token", Usage: "Bearer token required on /api", EnvVars: []string{envPrefix + "API_TOKEN"}},
		&cli.StringFlag{Name: "mcp-token", Usage: "Bearer token required on /mcp", EnvVars: []string{envPrefix + "MCP_TOKEN"}},
		&cli.StringFlag{Name: "master-key", Usage: "Base64 master key for stored credentials", EnvVars: []string{envPrefix + "MASTER_KEY"}},
		&cli.IntFlag{Name: "key-version", Usage: "Key version new credentials are sealed with", DefaultValue: d.KeyVersion, EnvVars: []string{envPrefix + "KEY_VERSION"}},
		&cli.StringFlag{Name: "reconcile-schedule", Usage: "Cron schedule of reconciliation passes", DefaultValue: d.ReconcileSchedule, EnvVars: []string{envPrefix + "RECONCILE_SCHEDULE"}},
		&cli.StringFlag{Name: "resume-schedule", Usage: "Cron schedule for resuming interrupted re-homing", DefaultValue: d.ResumeSchedule, EnvVars: []string{envPrefix + "RESUME_SCHEDULE"}},
		&cli.IntFlag{Name: "reconcile-workers", Usage: "Routers reconciled concurrently", DefaultValue: d.ReconcileWorkers, EnvVars: []string{envPrefix + "RECONCILE_WORKERS"}},
		&cli.BoolFlag{Name: "scheduler", Usage: "Run background reconciliation", DefaultValue: d.SchedulerEnabled, EnvVars: []string{envPrefix + "SCHEDULER"}},
		&cli.StringFlag{Name: "device-timeout", Usage: "Timeout per router call", DefaultValue: d.DeviceTimeout.String(), EnvVars: []string{envPrefix + "DEVICE_TIMEOUT"}},
		&cli.IntFlag{Name: "device-retries", Usage: "Retries of a failed router call", DefaultValue: d.DeviceRetries, EnvVars: []string{envPrefix + "DEVICE_RETRIES"}},
		&cli.BoolFlag{Name: "device-insecure-tls", Usage: "Accept self-signed router certificates", EnvVars: []string{envPrefix + "DEVICE_INSECURE_TLS"}},
		&cli.StringFlag{Name: "lock-timeout", Usage: "How long to wait for a contended pool or router lock", DefaultValue: d.LockTimeout.String(), EnvVars: []string{envPrefix + "LOCK_TIMEOUT"}},
		&cli.BoolFlag{Name: "probe", Usage: "Probe router liveness before reconciling", DefaultValue: d.ProbeEnabled, EnvVars: []string{envPrefix + "PROBE"}},
		&cli.StringFlag{Name: "probe-timeout", Usage: "SNMP/TCP probe timeout", DefaultValue: d.ProbeTimeout.String(), EnvVars: []string{envPrefix + "PROBE_TIMEOUT"}},
	}
}

// FromCommand builds the configuration from parsed flags
func FromCommand(cmd *cli.Command) (*Config, error) {
	cfg := &Config{
		DataDir:           cmd.GetString("data-dir"),
		ListenAddr:        cmd.GetString("listen-addr"),
		APIAuthToken:      cmd.GetString("api-token"),
		MCPAuthToken:      cmd.GetString("mcp-token"),
		MasterKey:         cmd.GetString("master-key"),
		KeyVersion:        cmd.GetInt("key-version"),
		ReconcileSchedule: cmd.GetString("reconcile-schedule"),
		ResumeSchedule:    cmd.GetString("resume-schedule"),
		ReconcileWorkers:  cmd.GetInt("reconcile-workers"),
		SchedulerEnabled:  cmd.GetBool("scheduler"),
		DeviceRetries:     cmd.GetInt("device-retries"),
		DeviceInsecureTLS: cmd.GetBool("device-insecure-tls"),
		ProbeEnabled:      cmd.GetBool("probe"),
	}

	var errs []error
	cfg.DeviceTimeout = duration("device-timeout", cmd.GetString("device-timeout"), &errs)
	cfg.LockTimeout = duration("lock-timeout", cmd.GetString("lock-timeout"), &errs)
	cfg.ProbeTimeout = duration("probe-timeout", cmd.GetString("probe-timeout"), &errs)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Load builds the configuration from ROUTERSYNC_* environment variables
// over the defaults. A .env file is loaded into the environment by main.
func Load() (*Config, error) {
	cfg := Defaults()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = duration(envPrefix+key, v, &errs)
		}
	}

	str("DATA_DIR", &cfg.DataDir)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("API_TOKEN", &cfg.APIAuthToken)
	str("MCP_TOKEN", &cfg.MCPAuthToken)
	str("MASTER_KEY", &cfg.MasterKey)
	num("KEY_VERSION", &cfg.KeyVersion)
	str("RECONCILE_SCHEDULE", &cfg.ReconcileSchedule)
	str("RESUME_SCHEDULE", &cfg.ResumeSchedule)
	num("RECONCILE_WORKERS", &cfg.ReconcileWorkers)
	flag("SCHEDULER", &cfg.SchedulerEnabled)
	dur("DEVICE_TIMEOUT", &cfg.DeviceTimeout)
	num("DEVICE_RETRIES", &cfg.DeviceRetries)
	flag("DEVICE_INSECURE_TLS", &cfg.DeviceInsecureTLS)
	dur("LOCK_TIMEOUT", &cfg.LockTimeout)
	flag("PROBE", &cfg.ProbeEnabled)
	dur("PROBE_TIMEOUT", &cfg.ProbeTimeout)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges and schedules
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data directory is required"))
	}
	if c.KeyVersion < 1 {
		errs = append(errs, fmt.Errorf("key version must be at least 1, got %d", c.KeyVersion))
	}
	if c.ReconcileWorkers < 1 {
		errs = append(errs, fmt.Errorf("reconcile workers must be at least 1, got %d", c.ReconcileWorkers))
	}
	if c.DeviceRetries < 0 {
		errs = append(errs, fmt.Errorf("device retries must not be negative, got %d", c.DeviceRetries))
	}
	for name, d := range map[string]time.Duration{"device timeout": c.DeviceTimeout, "lock timeout": c.LockTimeout, "probe timeout": c.ProbeTimeout} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for name, spec := range map[string]string{"reconcile schedule": c.ReconcileSchedule, "resume schedule": c.ResumeSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}
	if c.MasterKey != "" {
		if _, err := c.MasterKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MasterKeyBytes decodes the master key, which must be at least 32 bytes
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, errors.New("master key is not configured (set " + envPrefix + "MASTER_KEY)")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// IsAPIAuthEnabled checks if the API requires a bearer token
func (c *Config) IsAPIAuthEnabled() bool {
	return c.APIAuthToken != ""
}

// IsMCPEnabled checks if MCP authentication is configured
func (c *Config) IsMCPEnabled() bool {
	return c.MCPAuthToken != ""
}

func duration(name, value string, errs *[]error) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
	}
	return d
}
