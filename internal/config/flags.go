package config

import (
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds all command line flag values
type Flags struct {
	fs *flag.FlagSet

	// General
	configFile *string
	version    *bool

	// Server
	serverPort         *int
	serverHost         *string
	serverReadTimeout  *string
	serverWriteTimeout *string
	serverTLSEnabled   *bool
	serverTLSCert      *string
	serverTLSKey       *string

	// Database
	dbType             *string
	dbSQLitePath       *string
	dbPostgresHost     *string
	dbPostgresPort     *int
	dbPostgresDatabase *string
	dbPostgresUser     *string
	dbPostgresPassword *string
	dbPostgresSSLMode  *string

	// JWT
	jwtSecret *string
	jwtIssuer *string

	// Logging
	logLevel  *string
	logFormat *string
	logOutput *string

	// Security
	securityCORSEnabled *bool
	securityCORSOrigins *[]string

	// Directory and accounts
	directoryTimeout *string
	directoryCAFile  *string
	resetWindow      *string

	// Mail and queue
	smtpHost    *string
	smtpPort    *int
	mailFrom    *string
	queueType   *string
	queueWorker *int
	redisAddr   *string

	// Site
	siteHostname *string
	siteScheme   *string
}

// ParseFlags defines and parses all command line flags
func ParseFlags() (*Flags, string, bool) {
	f := defineFlags(flag.CommandLine)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "BioKey - directory account signup, approval and password reset service\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConfiguration priority (highest to lowest):\n")
		fmt.Fprintf(os.Stderr, "  1. Command line flags\n")
		fmt.Fprintf(os.Stderr, "  2. Environment variables (BIOKEY_*)\n")
		fmt.Fprintf(os.Stderr, "  3. Configuration file (default: config.yaml)\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config /etc/biokey/config.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --queue.type redis --redis.addr cache:6379\n\n", os.Args[0])
	}

	flag.Parse()

	return f, *f.configFile, *f.version
}

func defineFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}

	f.configFile = fs.StringP("config", "c", "config.yaml", "Path to configuration file")
	f.version = fs.BoolP("version", "v", false, "Print version and exit")

	f.serverPort = fs.Int("server.port", 0, "HTTP server port")
	f.serverHost = fs.String("server.host", "", "HTTP server bind address")
	f.serverReadTimeout = fs.String("server.read-timeout", "", "Server read timeout (e.g., 30s)")
	f.serverWriteTimeout = fs.String("server.write-timeout", "", "Server write timeout (e.g., 30s)")
	f.serverTLSEnabled = fs.Bool("server.tls-enabled", false, "Enable HTTPS")
	f.serverTLSCert = fs.String("server.tls-cert", "", "Path to TLS certificate")
	f.serverTLSKey = fs.String("server.tls-key", "", "Path to TLS key")

	f.dbType = fs.String("db.type", "", "Database type (sqlite or postgres)")
	f.dbSQLitePath = fs.String("db.sqlite.path", "", "SQLite database file path")
	f.dbPostgresHost = fs.String("db.postgres.host", "", "PostgreSQL host")
	f.dbPostgresPort = fs.Int("db.postgres.port", 0, "PostgreSQL port")
	f.dbPostgresDatabase = fs.String("db.postgres.database", "", "PostgreSQL database name")
	f.dbPostgresUser = fs.String("db.postgres.user", "", "PostgreSQL user")
	f.dbPostgresPassword = fs.String("db.postgres.password", "", "PostgreSQL password")
	f.dbPostgresSSLMode = fs.String("db.postgres.ssl-mode", "", "PostgreSQL SSL mode")

	f.jwtSecret = fs.String("jwt.secret", "", "Secret used to verify staff tokens")
	f.jwtIssuer = fs.String("jwt.issuer", "", "Expected staff token issuer")

	f.logLevel = fs.StringP("log.level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = fs.String("log.format", "", "Log format (json or console)")
	f.logOutput = fs.String("log.output", "", "Log output (stdout or file path)")

	f.securityCORSEnabled = fs.Bool("security.cors-enabled", false, "Enable CORS")
	f.securityCORSOrigins = fs.StringSlice("security.cors-origins", nil, "CORS allowed origins (can be specified multiple times)")

	f.directoryTimeout = fs.String("directory.timeout", "", "Directory connection timeout (e.g., 10s)")
	f.directoryCAFile = fs.String("directory.ca-file", "", "PEM bundle of CAs trusted for directory TLS")
	f.resetWindow = fs.String("accounts.reset-window", "", "How long a password reset link stays valid (e.g., 72h)")

	f.smtpHost = fs.String("mail.host", "", "SMTP host")
	f.smtpPort = fs.Int("mail.port", 0, "SMTP port")
	f.mailFrom = fs.String("mail.from", "", "Sender address for outgoing mail")
	f.queueType = fs.String("queue.type", "", "Mail queue type (memory or redis)")
	f.queueWorker = fs.Int("queue.workers", 0, "Number of mail delivery workers")
	f.redisAddr = fs.String("redis.addr", "", "Redis address for the durable mail queue")

	f.siteHostname = fs.String("site.hostname", "", "Public host name used in emailed links")
	f.siteScheme = fs.String("site.scheme", "", "Public URL scheme used in emailed links")

	return f
}

func (f *Flags) changed(name string) bool {
	fl := f.fs.Lookup(name)
	return fl != nil && fl.Changed
}

// GetServerPort returns the server port flag value and whether it was set
func (f *Flags) GetServerPort() (int, bool) {
	return *f.serverPort, f.changed("server.port")
}

// GetDBType returns the database type flag value and whether it was set
func (f *Flags) GetDBType() (string, bool) {
	return *f.dbType, f.changed("db.type")
}

// GetLogLevel returns the log level flag value and whether it was set
func (f *Flags) GetLogLevel() (string, bool) {
	return *f.logLevel, f.changed("log.level")
}

// GetQueueType returns the queue type flag value and whether it was set
func (f *Flags) GetQueueType() (string, bool) {
	return *f.queueType, f.changed("queue.type")
}

// apply copies every flag that was explicitly set onto cfg
func (f *Flags) apply(cfg *Config) error {
	setString := func(name string, src *string, dst *string) {
		if f.changed(name) {
			*dst = *src
		}
	}
	setInt := func(name string, src *int, dst *int) {
		if f.changed(name) {
			*dst = *src
		}
	}
	setBool := func(name string, src *bool, dst *bool) {
		if f.changed(name) {
			*dst = *src
		}
	}
	setDuration := func(name string, src *string, dst *time.Duration) error {
		if !f.changed(name) {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
		return nil
	}

	setInt("server.port", f.serverPort, &cfg.Server.Port)
	setString("server.host", f.serverHost, &cfg.Server.Host)
	if err := setDuration("server.read-timeout", f.serverReadTimeout, &cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if err := setDuration("server.write-timeout", f.serverWriteTimeout, &cfg.Server.WriteTimeout); err != nil {
		return err
	}
	setBool("server.tls-enabled", f.serverTLSEnabled, &cfg.Server.TLSEnabled)
	setString("server.tls-cert", f.serverTLSCert, &cfg.Server.TLSCert)
	setString("server.tls-key", f.serverTLSKey, &cfg.Server.TLSKey)

	setString("db.type", f.dbType, &cfg.Database.Type)
	setString("db.sqlite.path", f.dbSQLitePath, &cfg.Database.SQLite.Path)
	setString("db.postgres.host", f.dbPostgresHost, &cfg.Database.Postgres.Host)
	setInt("db.postgres.port", f.dbPostgresPort, &cfg.Database.Postgres.Port)
	setString("db.postgres.database", f.dbPostgresDatabase, &cfg.Database.Postgres.Database)
	setString("db.postgres.user", f.dbPostgresUser, &cfg.Database.Postgres.User)
	setString("db.postgres.password", f.dbPostgresPassword, &cfg.Database.Postgres.Password)
	setString("db.postgres.ssl-mode", f.dbPostgresSSLMode, &cfg.Database.Postgres.SSLMode)

	setString("jwt.secret", f.jwtSecret, &cfg.JWT.Secret)
	setString("jwt.issuer", f.jwtIssuer, &cfg.JWT.Issuer)

	setString("log.level", f.logLevel, &cfg.Logging.Level)
	setString("log.format", f.logFormat, &cfg.Logging.Format)
	setString("log.output", f.logOutput, &cfg.Logging.Output)

	setBool("security.cors-enabled", f.securityCORSEnabled, &cfg.Security.CORSEnabled)
	if f.changed("security.cors-origins") {
		cfg.Security.CORSOrigins = *f.securityCORSOrigins
	}

	if err := setDuration("directory.timeout", f.directoryTimeout, &cfg.Directory.Timeout); err != nil {
		return err
	}
	setString("directory.ca-file", f.directoryCAFile, &cfg.Directory.CAFile)
	if err := setDuration("accounts.reset-window", f.resetWindow, &cfg.Accounts.ResetWindow); err != nil {
		return err
	}

	setString("mail.host", f.smtpHost, &cfg.Mail.Host)
	setInt("mail.port", f.smtpPort, &cfg.Mail.Port)
	setString("mail.from", f.mailFrom, &cfg.Mail.From)
	setString("queue.type", f.queueType, &cfg.Queue.Type)
	setInt("queue.workers", f.queueWorker, &cfg.Queue.Workers)
	setString("redis.addr", f.redisAddr, &cfg.Queue.Redis.Addr)

	setString("site.hostname", f.siteHostname, &cfg.Site.Hostname)
	setString("site.scheme", f.siteScheme, &cfg.Site.Scheme)

	return nil
}
