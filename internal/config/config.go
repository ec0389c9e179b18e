package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. max-debounce becomes DOCSYNC_MAX_DEBOUNCE.
const EnvPrefix = "docsync"

// Storage backends
const (
	StorageNone     = "none"
	StoragePostgres = "postgres"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Collaboration
	Debounce          time.Duration
	MaxDebounce       time.Duration
	AwarenessThrottle time.Duration
	IdleTimeout       time.Duration
	CleanupInterval   time.Duration
	InstanceID        string
	ChannelPrefix     string

	// Cross-instance bus; empty RedisAddr keeps everything in process
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Storage    string
	LogUpdates bool
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWTSecret enables token authentication when set
	JWTSecret string
	JWTIssuer string

	LogHooks  bool
	Verbosity int

	// Observability
	JaegerEndpoint string
}

var defaults = map[string]any{
	"host":               "localhost",
	"port":               "8080",
	"debounce":           2 * time.Second,
	"max-debounce":       10 * time.Second,
	"awareness-throttle": 100 * time.Millisecond,
	"idle-timeout":       5 * time.Minute,
	"cleanup-interval":   30 * time.Second,
	"instance-id":        "",
	"channel-prefix":     "docsync",
	"redis-addr":         "",
	"redis-password":     "",
	"redis-db":           0,
	"storage":            StorageNone,
	"log-updates":        true,
	"db-host":            "localhost",
	"db-port":            "5432",
	"db-user":            "postgres",
	"db-password":        "postgres",
	"db-name":            "docsync",
	"db-sslmode":         "disable",
	"jwt-secret":         "",
	"jwt-issuer":         "",
	"log-hooks":          false,
	"verbosity":          0,
	"jaeger-endpoint":    "",
}

// Default returns the default value for key, for flag registration.
func Default(key string) any {
	return defaults[key]
}

// Prepare loads .env files and wires v to the DOCSYNC_* environment.
func Prepare(v *viper.Viper) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads and validates the configuration from v. Flags must already be
// bound.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ServerHost: v.GetString("host"),
		ServerPort: v.GetString("port"),

		Debounce:          v.GetDuration("debounce"),
		MaxDebounce:       v.GetDuration("max-debounce"),
		AwarenessThrottle: v.GetDuration("awareness-throttle"),
		IdleTimeout:       v.GetDuration("idle-timeout"),
		CleanupInterval:   v.GetDuration("cleanup-interval"),
		InstanceID:        v.GetString("instance-id"),
		ChannelPrefix:     v.GetString("channel-prefix"),

		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		Storage:    strings.ToLower(v.GetString("storage")),
		LogUpdates: v.GetBool("log-updates"),
		DBHost:     v.GetString("db-host"),
		DBPort:     v.GetString("db-port"),
		DBUser:     v.GetString("db-user"),
		DBPassword: v.GetString("db-password"),
		DBName:     v.GetString("db-name"),
		DBSSLMode:  v.GetString("db-sslmode"),

		JWTSecret: v.GetString("jwt-secret"),
		JWTIssuer: v.GetString("jwt-issuer"),

		LogHooks:  v.GetBool("log-hooks"),
		Verbosity: v.GetInt("verbosity"),

		JaegerEndpoint: v.GetString("jaeger-endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	if c.MaxDebounce < c.Debounce {
		return fmt.Errorf("max-debounce (%s) must not be shorter than debounce (%s)", c.MaxDebounce, c.Debounce)
	}
	if c.AwarenessThrottle < 0 {
		return fmt.Errorf("awareness-throttle must not be negative")
	}
	if c.ChannelPrefix == "" {
		return fmt.Errorf("channel-prefix is required")
	}
	switch c.Storage {
	case StorageNone, StoragePostgres:
	default:
		return fmt.Errorf("invalid storage %q (expected one of: %s, %s)", c.Storage, StorageNone, StoragePostgres)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}
