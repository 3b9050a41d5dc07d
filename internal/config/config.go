package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "PARKIU"
	defaultLogLevel       = "info"
	defaultDatabasePath   = "parkiu.db"
	defaultBackendURL     = "http://127.0.0.1:8080"
	defaultBackendTimeout = 10 * time.Second
	defaultSyncInterval   = 30 * time.Second
	defaultMaxAttempts    = 8
	defaultBackoffBase    = 2 * time.Second
	defaultBackoffCap     = 5 * time.Minute
	defaultProbeInterval  = 15 * time.Second
	defaultAgentAddress   = "127.0.0.1:8081"
	defaultServerAddress  = "0.0.0.0:8080"
	defaultServerDriver   = DriverSQLite
	defaultServerDSN      = "parkiu-server.db"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the agent, the offline CLI and
// the reference backend.
type AppConfig struct {
	LogLevel       string
	DatabasePath   string
	BackendURL     string
	BackendTimeout time.Duration
	SyncInterval   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	Lots           []string
	ProbeInterval  time.Duration
	AgentAddress   string
	ServerAddress  string
	ServerDriver   string
	ServerDSN      string
}

// LoadDotEnv reads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("backend.url", defaultBackendURL)
	configViper.SetDefault("backend.timeout", defaultBackendTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("sync.lots", []string{})
	configViper.SetDefault("probe.interval", defaultProbeInterval)
	configViper.SetDefault("agent.address", defaultAgentAddress)
	configViper.SetDefault("server.address", defaultServerAddress)
	configViper.SetDefault("server.database_driver", defaultServerDriver)
	configViper.SetDefault("server.database_dsn", defaultServerDSN)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:       configViper.GetString("log.level"),
		DatabasePath:   configViper.GetString("database.path"),
		BackendURL:     configViper.GetString("backend.url"),
		BackendTimeout: configViper.GetDuration("backend.timeout"),
		SyncInterval:   configViper.GetDuration("sync.interval"),
		MaxAttempts:    configViper.GetInt("sync.max_attempts"),
		BackoffBase:    configViper.GetDuration("sync.backoff_base"),
		BackoffCap:     configViper.GetDuration("sync.backoff_cap"),
		Lots:           splitList(configViper.GetStringSlice("sync.lots")),
		ProbeInterval:  configViper.GetDuration("probe.interval"),
		AgentAddress:   configViper.GetString("agent.address"),
		ServerAddress:  configViper.GetString("server.address"),
		ServerDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("server.database_driver"))),
		ServerDSN:      configViper.GetString("server.database_dsn"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("sync.backoff_cap must not be below sync.backoff_base")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe.interval must be positive")
	}
	switch c.ServerDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("server.database_driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.ServerDSN) == "" {
		return fmt.Errorf("server.database_dsn is required")
	}
	return nil
}

// splitList accepts both list values and a single comma separated string,
// the form environment variables arrive in.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
