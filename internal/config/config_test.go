package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabasePath != defaultDatabasePath || cfg.MaxAttempts != defaultMaxAttempts {
		testContext.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.BackoffBase != 2*time.Second || cfg.BackoffCap != 5*time.Minute {
		testContext.Fatalf("unexpected backoff defaults %v/%v", cfg.BackoffBase, cfg.BackoffCap)
	}
	if cfg.ServerDriver != DriverSQLite || len(cfg.Lots) != 0 {
		testContext.Fatalf("unexpected server defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("PARKIU_SYNC_LOTS", "L1, L2,,L3")
	testContext.Setenv("PARKIU_SYNC_INTERVAL", "45s")
	testContext.Setenv("PARKIU_SERVER_DATABASE_DRIVER", "Postgres")
	testContext.Setenv("PARKIU_SERVER_DATABASE_DSN", "host=localhost dbname=parkiu")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Lots) != 3 || cfg.Lots[0] != "L1" || cfg.Lots[2] != "L3" {
		testContext.Fatalf("unexpected lots %v", cfg.Lots)
	}
	if cfg.SyncInterval != 45*time.Second {
		testContext.Fatalf("unexpected interval %v", cfg.SyncInterval)
	}
	if cfg.ServerDriver != DriverPostgres {
		testContext.Fatalf("unexpected driver %q", cfg.ServerDriver)
	}
}

func TestLoadRejectsInvalidValues(testContext *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty database path", key: "database.path", value: " "},
		{name: "zero attempts", key: "sync.max_attempts", value: 0},
		{name: "cap below base", key: "sync.backoff_cap", value: time.Second},
		{name: "unknown driver", key: "server.database_driver", value: "mysql"},
		{name: "negative timeout", key: "backend.timeout", value: -time.Second},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error for %s", testCase.key)
			}
		})
	}
}

func TestLoadDotEnvPopulatesEnvironment(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PARKIU_TEST_DOTENV_VALUE=from-file\n"), 0o600); err != nil {
		testContext.Fatalf("failed to write env file: %v", err)
	}
	testContext.Cleanup(func() { _ = os.Unsetenv("PARKIU_TEST_DOTENV_VALUE") })

	if err := LoadDotEnv(path); err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if os.Getenv("PARKIU_TEST_DOTENV_VALUE") != "from-file" {
		testContext.Fatalf("expected value from .env file")
	}
	if err := LoadDotEnv(filepath.Join(testContext.TempDir(), "missing.env")); err != nil {
		testContext.Fatalf("missing file must not fail: %v", err)
	}
}
