package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		configContent := `
server:
  port: 9000
  host: 127.0.0.1
database:
  type: sqlite
  sqlite:
    path: /tmp/test.db
jwt:
  secret: test-secret
  issuer: test-site
logging:
  level: debug
  format: console
  output: stdout
accounts:
  reset_window: 1h
  password_scheme: crypt
site:
  hostname: edrn.nci.nih.gov
  script_prefix: /portal
trees:
  - slug: edrn
    title: Early Detection Research Network
    uri: ldaps://edrn-ds.jpl.nasa.gov
    manager_dn: uid=admin,ou=system
    manager_password: secret
    user_base: dc=edrn,dc=jpl,dc=nasa,dc=gov
    user_scope: one-level
    acceptance_group: cn=All Users,dc=edrn,dc=jpl,dc=nasa,dc=gov
    external_accounts: true
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		cfg, err := Load(configPath, nil)
		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, "sqlite", cfg.Database.Type)
		assert.Equal(t, "test-secret", cfg.JWT.Secret)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, time.Hour, cfg.Accounts.ResetWindow)
		assert.Equal(t, "crypt", cfg.Accounts.PasswordScheme)
		assert.Equal(t, "/portal", cfg.Site.ScriptPrefix)
		require.Len(t, cfg.Trees, 1)
		assert.Equal(t, "edrn", cfg.Trees[0].Slug)
		assert.Equal(t, "one-level", cfg.Trees[0].UserScope)
		assert.True(t, cfg.Trees[0].ExternalAccounts)
		// Untouched sections keep their defaults
		assert.Equal(t, 20, cfg.Accounts.NameAttempts)
	})

	t.Run("Load with non-existent file uses defaults", func(t *testing.T) {
		cfg, err := Load("/non/existent/path.yaml", nil)
		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	})

	t.Run("Load with invalid YAML fails", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		err := os.WriteFile(configPath, []byte(`invalid: yaml: content:`), 0644)
		require.NoError(t, err)

		_, err = Load(configPath, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("Load with invalid config values fails validation", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		configContent := `
server:
  port: 70000
`
		err := os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		_, err = Load(configPath, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("Environment overrides the file and flags override the environment", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9000\nlogging:\n  level: warn\n"), 0644))

		t.Setenv("BIOKEY_SERVER_PORT", "9100")
		t.Setenv("BIOKEY_LOG_LEVEL", "error")

		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		flags := defineFlags(fs)
		require.NoError(t, fs.Parse([]string{"--log.level", "debug", "--accounts.reset-window", "30m"}))

		cfg, err := Load(configPath, flags)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 30*time.Minute, cfg.Accounts.ResetWindow)
	})

	t.Run("Malformed duration flag fails", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		flags := defineFlags(fs)
		require.NoError(t, fs.Parse([]string{"--directory.timeout", "soon"}))

		_, err := Load("/non/existent/path.yaml", flags)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "directory.timeout")
	})
}

func TestDefaultConfig(t *testing.T) {
	t.Run("Default config has sensible values", func(t *testing.T) {
		cfg := defaultConfig()
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.False(t, cfg.Server.TLSEnabled)

		assert.Equal(t, "sqlite", cfg.Database.Type)
		assert.Equal(t, "./data/biokey.db", cfg.Database.SQLite.Path)

		assert.Equal(t, 50, cfg.Accounts.MaxUIDLength)
		assert.Equal(t, 50, cfg.Accounts.MaxEmailLength)
		assert.Equal(t, 250, cfg.Accounts.MaxPasswordLength)
		assert.Equal(t, 40, cfg.Accounts.MaxPhoneLength)
		assert.Equal(t, 20, cfg.Accounts.NameAttempts)
		assert.Equal(t, 72*time.Hour, cfg.Accounts.ResetWindow)

		assert.Equal(t, "memory", cfg.Queue.Type)
		assert.Equal(t, 10*time.Second, cfg.Queue.AdminNoticeDelay)
		assert.Equal(t, 2*time.Second, cfg.Queue.UIDReminderStagger)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})
}

func TestAccountNameBound(t *testing.T) {
	t.Run("Derived from the email length when unset", func(t *testing.T) {
		a := AccountsConfig{MaxEmailLength: 50}
		assert.Equal(t, 47, a.AccountNameBound())
	})

	t.Run("Never below four", func(t *testing.T) {
		a := AccountsConfig{MaxEmailLength: 5}
		assert.Equal(t, 4, a.AccountNameBound())
	})

	t.Run("Explicit bound wins", func(t *testing.T) {
		a := AccountsConfig{MaxEmailLength: 50, MaxNameLength: 12}
		assert.Equal(t, 12, a.AccountNameBound())
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("Override server port", func(t *testing.T) {
		t.Setenv("BIOKEY_SERVER_PORT", "9090")

		cfg := defaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, 9090, cfg.Server.Port)
	})

	t.Run("Override PostgreSQL settings", func(t *testing.T) {
		t.Setenv("BIOKEY_DB_POSTGRES_HOST", "postgres.example.com")
		t.Setenv("BIOKEY_DB_POSTGRES_PORT", "5433")
		t.Setenv("BIOKEY_DB_POSTGRES_DATABASE", "biokey")
		t.Setenv("BIOKEY_DB_POSTGRES_USER", "biokey_user")
		t.Setenv("BIOKEY_DB_POSTGRES_PASSWORD", "secret_pass")

		cfg := defaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, "postgres.example.com", cfg.Database.Postgres.Host)
		assert.Equal(t, 5433, cfg.Database.Postgres.Port)
		assert.Equal(t, "biokey", cfg.Database.Postgres.Database)
		assert.Equal(t, "biokey_user", cfg.Database.Postgres.User)
		assert.Equal(t, "secret_pass", cfg.Database.Postgres.Password)
	})

	t.Run("Override mail and queue settings", func(t *testing.T) {
		t.Setenv("BIOKEY_SMTP_HOST", "smtp.example.com")
		t.Setenv("BIOKEY_QUEUE_TYPE", "redis")
		t.Setenv("BIOKEY_REDIS_ADDR", "cache:6379")
		t.Setenv("BIOKEY_NEW_USERS_ADDRESSES", "a@example.com,b@example.com")

		cfg := defaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, "smtp.example.com", cfg.Mail.Host)
		assert.Equal(t, "redis", cfg.Queue.Type)
		assert.Equal(t, "cache:6379", cfg.Queue.Redis.Addr)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Mail.NewUsersAddresses)
	})

	t.Run("Invalid port number is rejected", func(t *testing.T) {
		t.Setenv("BIOKEY_SERVER_PORT", "invalid")

		cfg := defaultConfig()
		assert.Error(t, cfg.applyEnvOverrides())
	})
}

func TestValidate(t *testing.T) {
	t.Run("Valid default config", func(t *testing.T) {
		cfg := defaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Invalid server port - too low", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Server.Port = 0
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("TLS enabled without cert", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Server.TLSEnabled = true
		cfg.Server.TLSKey = "/path/to/key"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "TLS enabled")
	})

	t.Run("Invalid database type", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.Type = "mysql"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid database type")
	})

	t.Run("PostgreSQL without host", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.Type = "postgres"
		cfg.Database.Postgres.Database = "biokey"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "PostgreSQL host and database")
	})

	t.Run("Uid limit must fit a suffixed generated name", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Accounts.MaxUIDLength = 15
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "longest generated account name (50)")
	})

	t.Run("Explicit name bound allows a shorter uid limit", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Accounts.MaxNameLength = 12
		cfg.Accounts.MaxUIDLength = 15
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Invalid log level", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Logging.Level = "trace"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("Invalid password scheme", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Accounts.PasswordScheme = "md5"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid password scheme")
	})

	t.Run("Non-positive reset window", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Accounts.ResetWindow = 0
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "reset window")
	})

	t.Run("Invalid queue type", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Queue.Type = "kafka"
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid queue type")
	})

	t.Run("Duplicate tree slugs", func(t *testing.T) {
		cfg := defaultConfig()
		tree := TreeConfig{Slug: "edrn", URI: "ldap://localhost", UserBase: "dc=example"}
		cfg.Trees = []TreeConfig{tree, tree}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate tree slug")
	})

	t.Run("Tree without user base", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Trees = []TreeConfig{{Slug: "mcl", URI: "ldap://localhost"}}
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "needs a uri and user_base")
	})
}

func TestGetDSN(t *testing.T) {
	t.Run("SQLite DSN", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.SQLite.Path = "/path/to/db.sqlite"
		assert.Equal(t, "/path/to/db.sqlite", cfg.GetDSN())
	})

	t.Run("PostgreSQL DSN", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.Type = "postgres"
		cfg.Database.Postgres.Host = "localhost"
		cfg.Database.Postgres.Port = 5432
		cfg.Database.Postgres.User = "testuser"
		cfg.Database.Postgres.Password = "testpass"
		cfg.Database.Postgres.Database = "testdb"
		cfg.Database.Postgres.SSLMode = "disable"

		expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
		assert.Equal(t, expected, cfg.GetDSN())
	})

	t.Run("Unknown type yields empty DSN", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Database.Type = "mysql"
		assert.Empty(t, cfg.GetDSN())
	})
}
