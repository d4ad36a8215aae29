// Package config provides configuration management for the BioKey account service.
// It handles loading configuration from YAML files, applying environment variable
// and command line overrides, and validating configuration values for the server,
// database, directory, accounts, mail, queue and logging settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Directory DirectoryConfig `yaml:"directory"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Mail      MailConfig      `yaml:"mail"`
	Queue     QueueConfig     `yaml:"queue"`
	Site      SiteConfig      `yaml:"site"`
	Cache     CacheConfig     `yaml:"cache"`
	Trees     []TreeConfig    `yaml:"trees"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" env:"BIOKEY_SERVER_PORT"`
	Host         string        `yaml:"host" env:"BIOKEY_SERVER_HOST"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"BIOKEY_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"BIOKEY_SERVER_WRITE_TIMEOUT"`
	TLSEnabled   bool          `yaml:"tls_enabled" env:"BIOKEY_SERVER_TLS_ENABLED"`
	TLSCert      string        `yaml:"tls_cert" env:"BIOKEY_SERVER_TLS_CERT"`
	TLSKey       string        `yaml:"tls_key" env:"BIOKEY_SERVER_TLS_KEY"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `yaml:"type" env:"BIOKEY_DB_TYPE"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" env:"BIOKEY_DB_SQLITE_PATH"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host" env:"BIOKEY_DB_POSTGRES_HOST"`
	Port         int    `yaml:"port" env:"BIOKEY_DB_POSTGRES_PORT"`
	Database     string `yaml:"database" env:"BIOKEY_DB_POSTGRES_DATABASE"`
	User         string `yaml:"user" env:"BIOKEY_DB_POSTGRES_USER"`
	Password     string `yaml:"password" env:"BIOKEY_DB_POSTGRES_PASSWORD"`
	SSLMode      string `yaml:"ssl_mode" env:"BIOKEY_DB_POSTGRES_SSL_MODE"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// JWTConfig holds the settings used to verify staff tokens. BioKey never
// issues these tokens; they come from the site's staff login.
type JWTConfig struct {
	Secret string `yaml:"secret" env:"BIOKEY_JWT_SECRET"`
	Issuer string `yaml:"issuer" env:"BIOKEY_JWT_ISSUER"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"BIOKEY_LOG_LEVEL"`
	Format string `yaml:"format" env:"BIOKEY_LOG_FORMAT"`
	Output string `yaml:"output" env:"BIOKEY_LOG_OUTPUT"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSEnabled bool     `yaml:"cors_enabled" env:"BIOKEY_CORS_ENABLED"`
	CORSOrigins []string `yaml:"cors_origins" env:"BIOKEY_CORS_ORIGINS"`
}

// DirectoryConfig holds settings shared by every directory connection
type DirectoryConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"BIOKEY_DIRECTORY_TIMEOUT"`
	// CAFile is a PEM bundle trusted for ldaps:// and StartTLS; empty means the system pool
	CAFile string `yaml:"ca_file" env:"BIOKEY_DIRECTORY_CA_FILE"`
}

// AccountsConfig holds account provisioning limits and policy
type AccountsConfig struct {
	MaxUIDLength      int           `yaml:"max_uid_length"`
	MaxEmailLength    int           `yaml:"max_email_length"`
	MaxPasswordLength int           `yaml:"max_password_length"`
	MaxPhoneLength    int           `yaml:"max_phone_length"`
	MaxNameLength     int           `yaml:"max_name_length"`
	NameAttempts      int           `yaml:"name_attempts"`
	ResetWindow       time.Duration `yaml:"reset_window" env:"BIOKEY_RESET_WINDOW"`
	PasswordScheme    string        `yaml:"password_scheme" env:"BIOKEY_PASSWORD_SCHEME"`
}

// AccountSuffixDigits is the length of the numeric suffix added to a taken account name
const AccountSuffixDigits = 3

// AccountNameBound returns the longest generated account name before any
// numeric suffix is added.
func (a AccountsConfig) AccountNameBound() int {
	if a.MaxNameLength > 0 {
		return a.MaxNameLength
	}
	return max(a.MaxEmailLength-3, 4)
}

// MailConfig holds SMTP and addressing configuration
type MailConfig struct {
	Host              string   `yaml:"host" env:"BIOKEY_SMTP_HOST"`
	Port              int      `yaml:"port" env:"BIOKEY_SMTP_PORT"`
	Username          string   `yaml:"username" env:"BIOKEY_SMTP_USERNAME"`
	Password          string   `yaml:"password" env:"BIOKEY_SMTP_PASSWORD"`
	SSL               bool     `yaml:"ssl" env:"BIOKEY_SMTP_SSL"`
	From              string   `yaml:"from" env:"BIOKEY_MAIL_FROM"`
	NewUsersAddresses []string `yaml:"new_users_addresses" env:"BIOKEY_NEW_USERS_ADDRESSES"`
}

// QueueConfig holds outbound notification queue configuration
type QueueConfig struct {
	Type               string        `yaml:"type" env:"BIOKEY_QUEUE_TYPE"`
	Workers            int           `yaml:"workers" env:"BIOKEY_QUEUE_WORKERS"`
	Capacity           int           `yaml:"capacity"`
	AdminNoticeDelay   time.Duration `yaml:"admin_notice_delay"`
	UIDReminderStagger time.Duration `yaml:"uid_reminder_stagger"`
	Redis              RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the durable queue
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"BIOKEY_REDIS_ADDR"`
	Password string `yaml:"password" env:"BIOKEY_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"BIOKEY_REDIS_DB"`
	Key      string `yaml:"key"`
}

// SiteConfig describes how the public site is reached, for building links
type SiteConfig struct {
	Scheme       string `yaml:"scheme" env:"BIOKEY_SITE_SCHEME"`
	Hostname     string `yaml:"hostname" env:"BIOKEY_SITE_HOSTNAME"`
	Port         int    `yaml:"port" env:"BIOKEY_SITE_PORT"`
	ScriptPrefix string `yaml:"script_prefix" env:"BIOKEY_SITE_SCRIPT_PREFIX"`
}

// CacheConfig holds tree configuration cache settings
type CacheConfig struct {
	TreeTTL     time.Duration `yaml:"tree_ttl"`
	TreeMaxSize int64         `yaml:"tree_max_size"`
}

// TreeConfig seeds one directory information tree at startup
type TreeConfig struct {
	Slug                  string   `yaml:"slug"`
	Title                 string   `yaml:"title"`
	URI                   string   `yaml:"uri"`
	ManagerDN             string   `yaml:"manager_dn"`
	ManagerPassword       string   `yaml:"manager_password"`
	UserBase              string   `yaml:"user_base"`
	UserScope             string   `yaml:"user_scope"`
	GroupBase             string   `yaml:"group_base"`
	GroupScope            string   `yaml:"group_scope"`
	AcceptanceGroup       string   `yaml:"acceptance_group"`
	GroupMemberAttribute  string   `yaml:"group_member_attribute"`
	HelpAddress           string   `yaml:"help_address"`
	ObjectClasses         []string `yaml:"object_classes"`
	ExternalAccounts      bool     `yaml:"external_accounts"`
	ExternalMarker        string   `yaml:"external_marker"`
	CreationTemplate      string   `yaml:"creation_template"`
	ResetTemplate         string   `yaml:"reset_template"`
	UIDReminderTemplate   string   `yaml:"uid_reminder_template"`
	NotificationTemplate  string   `yaml:"notification_template"`
	ApprovalTemplate      string   `yaml:"approval_template"`
	RejectionTemplate     string   `yaml:"rejection_template"`
	ExternalResetTemplate string   `yaml:"external_reset_template"`
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), BIOKEY_* environment variables and finally any flags that were set.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if flags != nil {
		if err := flags.apply(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "./data/biokey.db"},
			Postgres: PostgresConfig{
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
		},
		JWT: JWTConfig{
			Issuer: "biokey",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			CORSEnabled: false,
		},
		Directory: DirectoryConfig{
			Timeout: 10 * time.Second,
		},
		Accounts: AccountsConfig{
			MaxUIDLength:      50,
			MaxEmailLength:    50,
			MaxPasswordLength: 250,
			MaxPhoneLength:    40,
			NameAttempts:      20,
			ResetWindow:       4320 * time.Minute,
			PasswordScheme:    "ssha",
		},
		Mail: MailConfig{
			Host: "localhost",
			Port: 25,
			From: "no-reply@jpl.nasa.gov",
		},
		Queue: QueueConfig{
			Type:               "memory",
			Workers:            2,
			Capacity:           1024,
			AdminNoticeDelay:   10 * time.Second,
			UIDReminderStagger: 2 * time.Second,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "biokey:mail",
			},
		},
		Site: SiteConfig{
			Scheme:   "https",
			Hostname: "localhost",
		},
		Cache: CacheConfig{
			TreeTTL:     5 * time.Minute,
			TreeMaxSize: 100,
		},
	}
}

// applyEnvOverrides overlays BIOKEY_* environment variables onto the configuration
func (c *Config) applyEnvOverrides() error {
	return env.Parse(c)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert or key not specified")
		}
	}

	// Validate database config
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", c.Database.Type)
	}
	if c.Database.Type == "sqlite" && c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if c.Database.Type == "postgres" {
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}

	// Validate logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	// Validate account policy
	if longest := c.Accounts.AccountNameBound() + AccountSuffixDigits; c.Accounts.MaxUIDLength < longest {
		return fmt.Errorf("max uid length %d is shorter than the longest generated account name (%d)", c.Accounts.MaxUIDLength, longest)
	}
	if c.Accounts.NameAttempts < 1 {
		return fmt.Errorf("name attempts must be at least 1")
	}
	if c.Accounts.ResetWindow <= 0 {
		return fmt.Errorf("reset window must be positive")
	}
	if c.Accounts.PasswordScheme != "ssha" && c.Accounts.PasswordScheme != "crypt" {
		return fmt.Errorf("invalid password scheme: %s (must be 'ssha' or 'crypt')", c.Accounts.PasswordScheme)
	}

	// Validate queue config
	if c.Queue.Type != "memory" && c.Queue.Type != "redis" {
		return fmt.Errorf("invalid queue type: %s (must be 'memory' or 'redis')", c.Queue.Type)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1")
	}
	if c.Queue.Type == "redis" && c.Queue.Redis.Addr == "" {
		return fmt.Errorf("redis queue requires an address")
	}
	if c.Mail.From == "" {
		return fmt.Errorf("mail from address not specified")
	}

	// Validate trees
	seen := make(map[string]bool, len(c.Trees))
	for i, tree := range c.Trees {
		if tree.Slug == "" {
			return fmt.Errorf("tree %d has no slug", i)
		}
		if seen[tree.Slug] {
			return fmt.Errorf("duplicate tree slug: %s", tree.Slug)
		}
		seen[tree.Slug] = true
		if tree.URI == "" || tree.UserBase == "" {
			return fmt.Errorf("tree %s needs a uri and user_base", tree.Slug)
		}
	}

	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}
