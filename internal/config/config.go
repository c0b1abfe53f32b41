package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

// Supported storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// FileEnv names an optional YAML file whose values sit under the
// environment variables.
const FileEnv = "LEDGER_CONFIG"

type Config struct {
	DBDriver string `yaml:"db_driver"`
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`
	LogLevel string `yaml:"log_level"`

	IdempotencyTTL      time.Duration `yaml:"idempotency_ttl"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	CacheDomainErrors   bool          `yaml:"cache_domain_errors"`
	AllowReversalBypass bool          `yaml:"allow_reversal_bypass"`

	CORSOrigins []string `yaml:"cors_origins"`
}

func defaults() Config {
	return Config{
		DBDriver:          DriverPostgres,
		Port:              "8080",
		Env:               "development",
		LogLevel:          "INFO",
		IdempotencyTTL:    24 * time.Hour,
		SweepInterval:     10 * time.Minute,
		RetryAttempts:     4,
		RetryDelay:        50 * time.Millisecond,
		CacheDomainErrors: true,
	}
}

// Load builds the configuration from defaults, the optional file named by
// LEDGER_CONFIG, and then the environment.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Annotatef(err, "parsing config file %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.DBDriver, "DB_DRIVER")
	setString(&c.DBSource, "DB_SOURCE")
	setString(&c.Port, "SERVER_PORT")
	setString(&c.Env, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}

	for name, dst := range map[string]*time.Duration{
		"IDEMPOTENCY_TTL": &c.IdempotencyTTL,
		"SWEEP_INTERVAL":  &c.SweepInterval,
		"RETRY_DELAY":     &c.RetryDelay,
	} {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.NotValidf("%s %q", name, v)
			}
			*dst = d
		}
	}
	for name, dst := range map[string]*bool{
		"CACHE_DOMAIN_ERRORS":   &c.CacheDomainErrors,
		"ALLOW_REVERSAL_BYPASS": &c.AllowReversalBypass,
	} {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return errors.NotValidf("%s %q", name, v)
			}
			*dst = b
		}
	}
	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("RETRY_ATTEMPTS %q", v)
		}
		c.RetryAttempts = n
	}
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
		if c.DBSource == "" {
			return errors.NotValidf("empty DB_SOURCE for driver %s", c.DBDriver)
		}
	case DriverMemory:
	default:
		return errors.NotValidf("DB_DRIVER %q", c.DBDriver)
	}
	if c.IdempotencyTTL <= 0 {
		return errors.NotValidf("idempotency TTL %v", c.IdempotencyTTL)
	}
	if c.SweepInterval <= 0 {
		return errors.NotValidf("sweep interval %v", c.SweepInterval)
	}
	if c.RetryAttempts < 1 {
		return errors.NotValidf("retry attempts %d", c.RetryAttempts)
	}
	if c.RetryDelay <= 0 {
		return errors.NotValidf("retry delay %v", c.RetryDelay)
	}
	return nil
}

// LoggingSpec turns LogLevel into a loggo specification. A bare level such
// as "DEBUG" applies to the root logger.
func (c *Config) LoggingSpec() string {
	if strings.Contains(c.LogLevel, "=") {
		return c.LogLevel
	}
	return "<root>=" + strings.ToUpper(c.LogLevel)
}

// ConfigureLogging applies LoggingSpec to the process-wide loggers.
func (c *Config) ConfigureLogging() error {
	return errors.Annotate(loggo.ConfigureLoggers(c.LoggingSpec()), "configuring loggers")
}
