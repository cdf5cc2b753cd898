// Package config loads relay settings from an optional YAML file, an
// optional .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ticketrelay/internal/events"
	"github.com/roach88/ticketrelay/internal/operator"
	"github.com/roach88/ticketrelay/internal/sealed"
	"github.com/roach88/ticketrelay/internal/snapshot"
)

// Defaults.
const (
	DefaultDatabasePath    = "ticketrelay.db"
	DefaultListenAddr      = ":8080"
	DefaultBackupDir       = "backups"
	DefaultBackupInterval  = 3 * time.Hour
	DefaultDisplayTimezone = "Asia/Dhaka"
	DefaultGatewayTimeout  = 15 * time.Second
	DefaultRateLimitEvery  = time.Second
	DefaultRateLimitBurst  = 5
)

// Config is the full relay configuration.
type Config struct {
	DatabasePath    string `yaml:"database_path"`
	ListenAddr      string `yaml:"listen_addr"`
	DisplayTimezone string `yaml:"display_timezone"`

	Chats   Chats   `yaml:"chats"`
	Tickets Tickets `yaml:"tickets"`
	Backup  Backup  `yaml:"backup"`
	Gateway Gateway `yaml:"gateway"`
	Events  Events  `yaml:"events"`
}

// Chats names the two privileged channels.
type Chats struct {
	Staff    int64 `yaml:"staff"`
	Operator int64 `yaml:"operator"`
}

// Tickets holds routing policy.
type Tickets struct {
	StaffNotesOnClosed bool          `yaml:"staff_notes_on_closed"`
	AutoOpen           bool          `yaml:"auto_open"`
	RateLimitEvery     time.Duration `yaml:"rate_limit_every"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
}

// Backup holds snapshot settings.
type Backup struct {
	Dir            string        `yaml:"dir"`
	Passphrase     string        `yaml:"passphrase"`
	PassphraseHint string        `yaml:"passphrase_hint"`
	Interval       time.Duration `yaml:"interval"`
	MaxBackups     int           `yaml:"max_backups"`
	IncludeRoutes  bool          `yaml:"include_routes"`
	WorkFactor     int           `yaml:"work_factor"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxArchiveSize int64         `yaml:"max_archive_size"`
}

// Gateway is the chat gateway the relay sends through.
type Gateway struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Events configures the lifecycle event sink. An empty AMQPURL disables it.
type Events struct {
	AMQPURL    string `yaml:"amqp_url"`
	Queue      string `yaml:"queue"`
	MaxPending int    `yaml:"max_pending"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		DatabasePath:    DefaultDatabasePath,
		ListenAddr:      DefaultListenAddr,
		DisplayTimezone: DefaultDisplayTimezone,
		Tickets: Tickets{
			AutoOpen:       true,
			RateLimitEvery: DefaultRateLimitEvery,
			RateLimitBurst: DefaultRateLimitBurst,
		},
		Backup: Backup{
			Dir:            DefaultBackupDir,
			PassphraseHint: operator.DefaultPassphraseHint,
			Interval:       DefaultBackupInterval,
			MaxBackups:     snapshot.DefaultMaxBackups,
			IncludeRoutes:  true,
			WorkFactor:     sealed.DefaultWorkFactor,
			Timeout:        snapshot.DefaultTimeout,
			MaxArchiveSize: snapshot.DefaultMaxArchiveSize,
		},
		Gateway: Gateway{Timeout: DefaultGatewayTimeout},
		Events: Events{
			Queue:      events.DefaultQueue,
			MaxPending: events.DefaultMaxPending,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then .env in the working directory (if present),
// then the environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is normal; variables already set win over it.
	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.DatabasePath = firstEnv("DATABASE_PATH", "DB_PATH", c.DatabasePath)
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.DisplayTimezone = getEnv("DISPLAY_TIMEZONE", c.DisplayTimezone)
	c.Backup.Dir = getEnv("BACKUP_DIR", c.Backup.Dir)
	c.Backup.Passphrase = getEnv("BACKUP_PASSPHRASE", c.Backup.Passphrase)
	c.Backup.PassphraseHint = getEnv("BACKUP_PASSPHRASE_HINT", c.Backup.PassphraseHint)
	c.Gateway.URL = getEnv("GATEWAY_URL", c.Gateway.URL)
	c.Events.AMQPURL = firstEnv("AMQP_URL", "RABBITMQ_URL", c.Events.AMQPURL)
	c.Events.Queue = getEnv("AMQP_QUEUE", c.Events.Queue)

	var errs []error
	setInt64 := func(dst *int64, keys ...string) {
		raw := firstEnv(append(keys, "")...)
		if raw == "" {
			return
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", keys[0], err))
			return
		}
		*dst = v
	}
	setDuration := func(dst *time.Duration, key string) {
		raw := getEnv(key, "")
		if raw == "" {
			return
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = v
	}
	setInt := func(dst *int, key string) {
		v := int64(*dst)
		setInt64(&v, key)
		*dst = int(v)
	}

	setInt64(&c.Chats.Staff, "STAFF_CHAT_ID", "GROUP_ID")
	setInt64(&c.Chats.Operator, "OPERATOR_CHAT_ID", "BACKUP_GROUP_ID")
	setDuration(&c.Backup.Interval, "BACKUP_INTERVAL")
	setInt(&c.Backup.MaxBackups, "MAX_BACKUPS")

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.Chats.Staff == 0 {
		errs = append(errs, errors.New("chats.staff (STAFF_CHAT_ID) is required"))
	}
	if c.Chats.Operator == 0 {
		errs = append(errs, errors.New("chats.operator (OPERATOR_CHAT_ID) is required"))
	}
	if c.Chats.Staff != 0 && c.Chats.Staff == c.Chats.Operator {
		errs = append(errs, errors.New("chats.staff and chats.operator must differ"))
	}
	if c.Backup.Passphrase == "" {
		errs = append(errs, errors.New("backup.passphrase (BACKUP_PASSPHRASE) is required"))
	}
	if c.Backup.Dir == "" {
		errs = append(errs, errors.New("backup.dir is required"))
	}
	if c.Backup.Interval <= 0 {
		errs = append(errs, fmt.Errorf("backup.interval must be positive, got %s", c.Backup.Interval))
	}
	if c.Backup.MaxBackups <= 0 {
		errs = append(errs, fmt.Errorf("backup.max_backups must be positive, got %d", c.Backup.MaxBackups))
	}
	if c.Backup.WorkFactor < 10 || c.Backup.WorkFactor > 30 {
		errs = append(errs, fmt.Errorf("backup.work_factor must be between 10 and 30, got %d", c.Backup.WorkFactor))
	}
	if c.Tickets.RateLimitEvery < 0 {
		errs = append(errs, errors.New("tickets.rate_limit_every must not be negative"))
	}
	if _, err := time.LoadLocation(c.DisplayTimezone); err != nil {
		errs = append(errs, fmt.Errorf("display_timezone: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the display time zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Snapshot returns the snapshot manager settings.
func (c Config) Snapshot() snapshot.Config {
	return snapshot.Config{
		Dir:            c.Backup.Dir,
		Passphrase:     c.Backup.Passphrase,
		MaxBackups:     c.Backup.MaxBackups,
		IncludeRoutes:  c.Backup.IncludeRoutes,
		Timeout:        c.Backup.Timeout,
		MaxArchiveSize: c.Backup.MaxArchiveSize,
	}
}

// firstEnv returns the first non-empty variable among keys; the last
// argument is the default.
func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
