package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "postal_sync"

const (
	KeyDatabaseURL     = "database-url"
	KeySchema          = "schema"
	KeyTable           = "table"
	KeySourceSystem    = "source-system"
	KeyBaseURL         = "base-url"
	KeyFullFile        = "full-file"
	KeyAddPattern      = "add-pattern"
	KeyDelPattern      = "del-pattern"
	KeyWorkDir         = "workdir"
	KeyHTTPTimeout     = "http-timeout"
	KeyLockTimeout     = "lock-timeout"
	KeyKeepBackups     = "keep-backups"
	KeyTruncateStaging = "truncate-staging"
	KeyDeleteDownloads = "delete-downloads"
	KeyDeleteExtracted = "delete-extracted"
	KeyEncoding        = "encoding"
	KeyMaxErrors       = "max-errors"
	KeyChannelSize     = "channel-size"
	KeyPushgatewayURL  = "pushgateway-url"
	KeyAPIPort         = "api-port"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
)

type Config struct {
	DatabaseURL     string
	Schema          string
	Table           string
	SourceSystem    string
	BaseURL         string
	FullFile        string
	AddPattern      string
	DelPattern      string
	WorkDir         string
	HTTPTimeout     time.Duration
	LockTimeout     time.Duration
	KeepBackups     int
	TruncateStaging bool
	DeleteDownloads bool
	DeleteExtracted bool
	Encoding        string
	MaxErrors       int
	ChannelSize     int
	PushgatewayURL  string
	APIPort         string
	LogLevel        string
	LogFormat       string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySchema, "ext")
	v.SetDefault(KeyTable, "postal_codes")
	v.SetDefault(KeySourceSystem, "japanpost_utf")
	v.SetDefault(KeyBaseURL, "https://www.post.japanpost.jp/zipcode/dl/utf/zip/")
	v.SetDefault(KeyFullFile, "utf_ken_all.zip")
	v.SetDefault(KeyAddPattern, "utf_add_{YYMM}.zip")
	v.SetDefault(KeyDelPattern, "utf_del_{YYMM}.zip")
	v.SetDefault(KeyWorkDir, "./work")
	v.SetDefault(KeyHTTPTimeout, 5*time.Minute)
	v.SetDefault(KeyLockTimeout, 5*time.Second)
	v.SetDefault(KeyKeepBackups, 3)
	v.SetDefault(KeyTruncateStaging, true)
	v.SetDefault(KeyDeleteDownloads, false)
	v.SetDefault(KeyDeleteExtracted, true)
	v.SetDefault(KeyEncoding, "utf-8")
	v.SetDefault(KeyMaxErrors, 100)
	v.SetDefault(KeyChannelSize, 10000)
	v.SetDefault(KeyAPIPort, "8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// RegisterFlags adds the flags shared by every binary.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "optional YAML config file")
	flags.String(KeyDatabaseURL, "", "PostgreSQL connection string (also read from DATABASE_URL)")
	flags.String(KeySchema, "ext", "schema holding the postal code tables")
	flags.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(KeyLogFormat, "json", "log format (json, console)")
}

// Init loads .env files and wires environment lookups into v.
func Init(v *viper.Viper, configFile string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// DATABASE_URL without prefix is accepted as well.
	if err := v.BindEnv(KeyDatabaseURL, "POSTAL_SYNC_DATABASE_URL", "DATABASE_URL"); err != nil {
		return fmt.Errorf("error binding database url env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	return nil
}

func New(v *viper.Viper) (*Config, error) {
	databaseURL := v.GetString(KeyDatabaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	cfg := &Config{
		DatabaseURL:     databaseURL,
		Schema:          v.GetString(KeySchema),
		Table:           v.GetString(KeyTable),
		SourceSystem:    v.GetString(KeySourceSystem),
		BaseURL:         v.GetString(KeyBaseURL),
		FullFile:        v.GetString(KeyFullFile),
		AddPattern:      v.GetString(KeyAddPattern),
		DelPattern:      v.GetString(KeyDelPattern),
		WorkDir:         v.GetString(KeyWorkDir),
		HTTPTimeout:     v.GetDuration(KeyHTTPTimeout),
		LockTimeout:     v.GetDuration(KeyLockTimeout),
		KeepBackups:     v.GetInt(KeyKeepBackups),
		TruncateStaging: v.GetBool(KeyTruncateStaging),
		DeleteDownloads: v.GetBool(KeyDeleteDownloads),
		DeleteExtracted: v.GetBool(KeyDeleteExtracted),
		Encoding:        strings.ToLower(v.GetString(KeyEncoding)),
		MaxErrors:       v.GetInt(KeyMaxErrors),
		ChannelSize:     v.GetInt(KeyChannelSize),
		PushgatewayURL:  v.GetString(KeyPushgatewayURL),
		APIPort:         v.GetString(KeyAPIPort),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFormat:       v.GetString(KeyLogFormat),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("invalid value for %s: must not be empty", KeyBaseURL)
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.KeepBackups < 0 {
		return fmt.Errorf("invalid value for %s: expected a non-negative integer, got '%d'", KeyKeepBackups, c.KeepBackups)
	}
	// Postgres takes whole milliseconds and reads 0 as no timeout.
	if c.LockTimeout < time.Millisecond {
		return fmt.Errorf("invalid value for %s: expected at least 1ms, got '%s'", KeyLockTimeout, c.LockTimeout)
	}
	if c.ChannelSize <= 0 {
		return fmt.Errorf("invalid value for %s: expected a positive integer, got '%d'", KeyChannelSize, c.ChannelSize)
	}
	switch c.Encoding {
	case "utf-8", "utf8":
		c.Encoding = "utf-8"
	case "shift_jis", "sjis":
		c.Encoding = "shift_jis"
	default:
		return fmt.Errorf("invalid value for %s: expected utf-8 or shift_jis, got '%s'", KeyEncoding, c.Encoding)
	}
	return nil
}

// FeedURL resolves a file name or {YYMM} pattern against the base URL.
func (c *Config) FeedURL(pattern string, yymm string) string {
	return c.BaseURL + strings.ReplaceAll(pattern, "{YYMM}", yymm)
}
